package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes is bcrypt's input limit. The login endpoint caps passwords at the
// same length, so a password that can be set can always be presented.
const MaxPasswordBytes = 72

// passwordCost is applied to dashboard accounts created by cmd/migrate and to the
// memory-mode demo users. Logins are rare next to device traffic, so the default
// bcrypt cost is affordable.
const passwordCost = bcrypt.DefaultCost

// HashPassword hashes a dashboard account password for the users table.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if len(password) > MaxPasswordBytes {
		return "", fmt.Errorf("%w: password longer than %d bytes", ErrInvalidInput, MaxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks a login attempt against the stored hash. Any mismatch,
// including an over-long attempt, is an error.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("auth: password hash is empty")
	}
	if len(password) > MaxPasswordBytes {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
