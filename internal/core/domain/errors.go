package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrTemporary         = errors.New("temporary failure")
	ErrConfiguration     = errors.New("configuration error")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrBusy              = errors.New("job already running")
	ErrNoJob             = errors.New("no job")
	ErrStopped           = errors.New("job stopped")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsFatal reports errors that must abort an indexing run instead of being recorded per batch.
func IsFatal(err error) bool {
	return IsKind(err, ErrConfiguration) || IsKind(err, ErrDimensionMismatch)
}
