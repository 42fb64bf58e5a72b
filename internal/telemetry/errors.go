package telemetry

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("telemetry: not found")
	ErrInvalidRange     = errors.New("telemetry: value out of range")
	ErrInvalidInput     = errors.New("telemetry: invalid input")
	ErrInvalidQuery     = errors.New("telemetry: invalid query")
	ErrBatchTooLarge    = errors.New("telemetry: batch too large")
	ErrDuplicateKey     = errors.New("telemetry: duplicate idempotency key")
	ErrStoreUnavailable = errors.New("telemetry: store unavailable")
)

// RangeError names the first measurement that failed its range check.
type RangeError struct {
	Field string
	Rule  string
}

func (e *RangeError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s out of range", e.Field)
	}
	return fmt.Sprintf("%s out of range (%s)", e.Field, e.Rule)
}

func (e *RangeError) Is(target error) bool { return target == ErrInvalidRange }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
