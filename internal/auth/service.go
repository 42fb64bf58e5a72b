package auth

import (
	"context"
	"errors"
	"strings"
)

// Service implements the session flows (login, refresh, logout) on top of TokenService.
type Service struct {
	tokens *TokenService
	users  UserDirectory
}

// NewService constructs Service.
func NewService(tokens *TokenService, users UserDirectory) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	if users == nil {
		return nil, errors.New("auth: user directory is required")
	}
	return &Service{tokens: tokens, users: users}, nil
}

// Tokens exposes the underlying TokenService.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Login verifies credentials and issues a token pair. Viewer scope is resolved from
// current memberships here and nowhere else.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUnauthenticated
		}
		return TokenPair{}, Principal{}, unavailable("user lookup", err)
	}
	if !user.Active {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrUnauthenticated
	}

	var scope []string
	if user.Role == RoleViewer {
		scope, err = s.users.ViewerSites(ctx, user.ID)
		if err != nil {
			return TokenPair{}, Principal{}, unavailable("viewer sites", err)
		}
	}
	pair, err := s.tokens.IssuePair(user.ID, user.Role, scope)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	principal := NewPrincipal(user.ID, user.Role, scope, pair.Access.TokenID, TokenAccess, pair.Access.ExpiresAt)
	return pair, principal, nil
}

// Refresh rotates a refresh token. See TokenService.Refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	return s.tokens.Refresh(ctx, refreshToken)
}

// Logout revokes the caller's current token and, when given, a refresh token that
// belongs to the same user. A refresh token that is already invalid is ignored.
func (s *Service) Logout(ctx context.Context, current Principal, refreshToken string) error {
	if err := s.tokens.Revoke(ctx, current, "logout"); err != nil {
		return err
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}
	rp, err := s.tokens.ValidateToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenMalformed) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenRevoked) {
			return nil
		}
		return err
	}
	if rp.UserID != current.UserID {
		return ErrForbidden
	}
	return s.tokens.Revoke(ctx, rp, "logout")
}
