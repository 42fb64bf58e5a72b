package auth

// AllowList is the set of site identifiers a principal may touch.
// The zero value permits nothing.
type AllowList struct {
	unrestricted bool
	sites        map[string]struct{}
}

// Unrestricted returns an AllowList that permits every site.
func Unrestricted() AllowList {
	return AllowList{unrestricted: true}
}

// EffectiveSites derives the allow-list for p. Admins and operators are unrestricted;
// viewers get exactly the scope snapshotted in their token, and an empty scope permits
// nothing.
func EffectiveSites(p Principal) AllowList {
	switch p.Role {
	case RoleAdmin, RoleOperator:
		return Unrestricted()
	case RoleViewer:
		sites := make(map[string]struct{}, len(p.siteScope))
		for _, s := range p.siteScope {
			sites[s] = struct{}{}
		}
		return AllowList{sites: sites}
	default:
		return AllowList{}
	}
}

// IsUnrestricted reports whether no site filtering applies.
func (a AllowList) IsUnrestricted() bool { return a.unrestricted }

// Permits reports whether siteUID is inside the allow-list.
func (a AllowList) Permits(siteUID string) bool {
	if a.unrestricted {
		return true
	}
	_, ok := a.sites[siteUID]
	return ok
}

// Sites lists the permitted site identifiers. It returns nil when unrestricted.
func (a AllowList) Sites() []string {
	if a.unrestricted {
		return nil
	}
	out := make([]string, 0, len(a.sites))
	for s := range a.sites {
		out = append(out, s)
	}
	return out
}

// CanRead applies the read policy: callers that get false must answer with an empty
// result, never an error, so a viewer cannot tell a missing site from a hidden one.
func CanRead(p Principal, siteUID string) bool {
	return EffectiveSites(p).Permits(siteUID)
}

// AuthorizeTarget applies the targeted-operation policy: an out-of-scope site is
// refused with ErrForbidden.
func AuthorizeTarget(p Principal, siteUID string) error {
	if !EffectiveSites(p).Permits(siteUID) {
		return ErrForbidden
	}
	return nil
}

// RequireWriter refuses principals whose role cannot create readings.
func RequireWriter(p Principal) error {
	if !p.Role.CanWrite() {
		return ErrForbidden
	}
	return nil
}
