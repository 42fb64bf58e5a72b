package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sparing.org/internal/ids"
)

const (
	defaultIssuer     = "sparing"
	defaultAccessTTL  = 60 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the signed payload of every token.
type Claims struct {
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	SiteScope []string  `json:"site_uids"`
	TokenType TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Validate implements jwt.ClaimsValidator and rejects structurally incomplete tokens.
func (c Claims) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user_id missing")
	}
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	if c.TokenType != TokenAccess && c.TokenType != TokenRefresh {
		return fmt.Errorf("unknown token type %q", c.TokenType)
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("jti missing")
	}
	if c.IssuedAt == nil {
		return errors.New("iat missing")
	}
	return nil
}

// IssuedToken is a freshly signed token with its identity and expiry.
type IssuedToken struct {
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

// TokenPair is an access token and the refresh token that can renew it.
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// TokenService issues, validates and revokes HS256 bearer tokens.
type TokenService struct {
	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations RevocationStore
	now         func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService signing with secret and checking revocations.
func NewTokenService(secret string, revocations RevocationStore, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if revocations == nil {
		return nil, errors.New("auth: revocation store is required")
	}
	svc := &TokenService{
		secret:      []byte(secret),
		issuer:      defaultIssuer,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		revocations: revocations,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// IssueToken signs a token embedding role and a snapshot of scope. Each call mints a new jti.
func (s *TokenService) IssueToken(userID string, role Role, scope []string, typ TokenType, ttl time.Duration) (IssuedToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return IssuedToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return IssuedToken{}, err
	}
	if typ != TokenAccess && typ != TokenRefresh {
		return IssuedToken{}, fmt.Errorf("%w: unknown token type %q", ErrInvalidInput, typ)
	}
	if ttl <= 0 {
		return IssuedToken{}, fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}

	now := s.now().UTC()
	iat := jwt.NewNumericDate(now)
	exp := jwt.NewNumericDate(now.Add(ttl))
	jti := ids.Token()
	claims := Claims{
		UserID:    userID,
		Role:      role,
		SiteScope: normalizeScope(scope),
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  iat,
			ExpiresAt: exp,
			ID:        jti,
		},
	}
	if claims.SiteScope == nil {
		claims.SiteScope = []string{}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{Token: signed, TokenID: jti, ExpiresAt: exp.Time}, nil
}

// IssuePair mints an access and a refresh token sharing one scope snapshot.
func (s *TokenService) IssuePair(userID string, role Role, scope []string) (TokenPair, error) {
	access, err := s.IssueToken(userID, role, scope, TokenAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.IssueToken(userID, role, scope, TokenRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// ValidateToken checks signature and structure, then expiry, then revocation, and
// returns the decoded principal. Errors are ErrTokenMalformed, ErrTokenExpired,
// ErrTokenRevoked, or ErrStoreUnavailable when the revocation backend fails.
func (s *TokenService) ValidateToken(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	var claims Claims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		// Claim errors are joined; a token that is both expired and incomplete is malformed.
		if claims.Validate() != nil || errors.Is(err, jwt.ErrTokenInvalidIssuer) || errors.Is(err, jwt.ErrTokenUsedBeforeIssued) {
			return Principal{}, ErrTokenMalformed
		}
		return Principal{}, ErrTokenExpired
	default:
		return Principal{}, ErrTokenMalformed
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Principal{}, unavailable("revocation lookup", err)
	}
	if revoked {
		return Principal{}, ErrTokenRevoked
	}

	return NewPrincipal(claims.UserID, claims.Role, claims.SiteScope, claims.ID, claims.TokenType, claims.ExpiresAt.Time), nil
}

// ValidateAccess is ValidateToken restricted to access tokens.
func (s *TokenService) ValidateAccess(ctx context.Context, token string) (Principal, error) {
	p, err := s.ValidateToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if p.TokenType != TokenAccess {
		return Principal{}, ErrWrongTokenType
	}
	return p, nil
}

// RevokeToken records tokenID as revoked until expiresAt. Revoking twice is a no-op.
func (s *TokenService) RevokeToken(ctx context.Context, tokenID, userID string, expiresAt time.Time, reason string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}
	if err := s.revocations.Revoke(ctx, RevokedToken{
		TokenID:   tokenID,
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
		Reason:    reason,
	}); err != nil {
		return unavailable("revoke", err)
	}
	return nil
}

// Revoke revokes the token p was decoded from.
func (s *TokenService) Revoke(ctx context.Context, p Principal, reason string) error {
	return s.RevokeToken(ctx, p.TokenID, p.UserID, p.ExpiresAt, reason)
}

// Refresh validates a refresh token, revokes it, and issues a new pair carrying the
// original scope snapshot. Current memberships are not re-read, so a viewer's scope
// changes only take effect at the next login.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	p, err := s.ValidateToken(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if p.TokenType != TokenRefresh {
		return TokenPair{}, Principal{}, ErrWrongTokenType
	}
	if err := s.Revoke(ctx, p, "rotated"); err != nil {
		return TokenPair{}, Principal{}, err
	}
	pair, err := s.IssuePair(p.UserID, p.Role, p.siteScope)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, p, nil
}
