package auth

import (
	"errors"
	"testing"
	"time"
)

func TestEffectiveSitesByRole(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	admin := NewPrincipal("a", RoleAdmin, nil, "j1", TokenAccess, exp)
	operator := NewPrincipal("o", RoleOperator, []string{"SITE-A"}, "j2", TokenAccess, exp)
	viewer := NewPrincipal("v", RoleViewer, []string{"SITE-A"}, "j3", TokenAccess, exp)
	empty := NewPrincipal("e", RoleViewer, nil, "j4", TokenAccess, exp)

	if !EffectiveSites(admin).IsUnrestricted() || !EffectiveSites(operator).IsUnrestricted() {
		t.Fatal("admin and operator must be unrestricted")
	}
	if EffectiveSites(viewer).IsUnrestricted() {
		t.Fatal("viewer must be restricted")
	}
	if got := EffectiveSites(viewer).Sites(); len(got) != 1 || got[0] != "SITE-A" {
		t.Fatalf("unexpected viewer sites: %v", got)
	}
	if EffectiveSites(empty).Permits("SITE-A") {
		t.Fatal("viewer with empty scope must see nothing")
	}
	if EffectiveSites(Principal{Role: Role("unknown")}).Permits("SITE-A") {
		t.Fatal("unknown role must see nothing")
	}
}

func TestViewerReadOutsideScopeIsEmptyNotError(t *testing.T) {
	viewer := NewPrincipal("v", RoleViewer, []string{"SITE-A"}, "j", TokenAccess, time.Now().Add(time.Hour))
	if !CanRead(viewer, "SITE-A") {
		t.Fatal("viewer should read SITE-A")
	}
	if CanRead(viewer, "SITE-B") {
		t.Fatal("viewer must not read SITE-B")
	}
	if err := AuthorizeTarget(viewer, "SITE-B"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("targeted access out of scope: expected ErrForbidden, got %v", err)
	}
	if err := AuthorizeTarget(viewer, "SITE-A"); err != nil {
		t.Fatalf("targeted access in scope: %v", err)
	}
}

func TestRequireWriter(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	for role, want := range map[Role]error{
		RoleAdmin:    nil,
		RoleOperator: nil,
		RoleViewer:   ErrForbidden,
	} {
		p := NewPrincipal("u", role, []string{"SITE-A"}, "j", TokenAccess, exp)
		if err := RequireWriter(p); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", role, want, err)
		}
	}
}
