package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("sparing-dev")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "sparing-dev"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "sparing-dev2"); err == nil {
		t.Fatal("expected mismatch")
	}
	if err := VerifyPassword("", "sparing-dev"); err == nil {
		t.Fatal("expected error for empty hash")
	}
}

func TestHashPasswordLengthLimits(t *testing.T) {
	if _, err := HashPassword(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty: expected ErrInvalidInput, got %v", err)
	}
	if _, err := HashPassword(strings.Repeat("p", MaxPasswordBytes+1)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("too long: expected ErrInvalidInput, got %v", err)
	}
	hash, err := HashPassword(strings.Repeat("p", MaxPasswordBytes))
	if err != nil {
		t.Fatalf("max length: %v", err)
	}
	if err := VerifyPassword(hash, strings.Repeat("p", MaxPasswordBytes+1)); err == nil {
		t.Fatal("over-long attempt must not verify")
	}
}
