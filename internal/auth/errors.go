package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthenticated = errors.New("auth: not authenticated")
	ErrTokenMalformed  = errors.New("auth: invalid token")
	ErrTokenExpired    = errors.New("auth: token expired")
	ErrTokenRevoked    = errors.New("auth: token revoked")
	ErrWrongTokenType  = errors.New("auth: wrong token type")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrNotFound        = errors.New("auth: not found")
	ErrInvalidInput    = errors.New("auth: invalid input")

	// ErrStoreUnavailable wraps failures of the user directory or the revocation backend.
	ErrStoreUnavailable = errors.New("auth: store unavailable")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
