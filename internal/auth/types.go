package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Role is the coarse authorization level carried in every token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ParseRole normalizes and validates a role name.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(raw))); r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// CanWrite reports whether the role may create readings.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleOperator
}

// TokenType distinguishes short-lived access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Principal is the authenticated identity for one request. It is built once from a
// validated token and passed by value; the site scope is copied in and out so callers
// cannot mutate it.
type Principal struct {
	UserID    string
	Role      Role
	TokenID   string
	TokenType TokenType
	ExpiresAt time.Time

	siteScope []string
}

// NewPrincipal constructs a Principal with a private, de-duplicated copy of scope.
func NewPrincipal(userID string, role Role, scope []string, tokenID string, typ TokenType, expiresAt time.Time) Principal {
	return Principal{
		UserID:    userID,
		Role:      role,
		TokenID:   tokenID,
		TokenType: typ,
		ExpiresAt: expiresAt,
		siteScope: normalizeScope(scope),
	}
}

// SiteScope returns a copy of the site identifiers snapshotted at issuance.
func (p Principal) SiteScope() []string {
	return slices.Clone(p.siteScope)
}

// IsZero reports whether p was never populated.
func (p Principal) IsZero() bool {
	return p.UserID == "" && p.TokenID == ""
}

// RevokedToken records a token id that must be rejected until its natural expiry.
type RevokedToken struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
	Reason    string
}

// User is the subset of a dashboard account the login flow needs.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	Active       bool
}

func normalizeScope(scope []string) []string {
	if len(scope) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scope))
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
