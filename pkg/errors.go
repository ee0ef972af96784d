package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a session, trial, subject or download log does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a conditional status update matched no row.
	ErrStateConflict = errors.New("state changed concurrently")

	// ErrNoCandidate is returned by a claim when the queried pool is empty.
	ErrNoCandidate = errors.New("no candidate trial")
)

// TransientError marks a failure that is expected to succeed on retry
// (network blips, storage 5xx, dropped connections).
type TransientError struct {
	Err        error
	RetryAfter time.Duration
	Reason     string
}

func (e *TransientError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transient error: %v", e.Err)
	}
	return fmt.Sprintf("transient error: %s: %v", e.Reason, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new TransientError
func NewTransientError(err error, after time.Duration, reason string) *TransientError {
	return &TransientError{
		Err:        err,
		RetryAfter: after,
		Reason:     reason,
	}
}

// IsTransient reports whether err or anything it wraps is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
