package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a provider call failure carrying the upstream status code,
// so callers can separate transient failures (retry) from permanent
// ones (log and skip).
type Error struct {
	StatusCode int
	Op         string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: status %d", e.Op, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is worth retrying: rate
// limiting, server-side errors, or transport failures with no status.
func (e *Error) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewError wraps an upstream failure with its status code.
func NewError(op string, statusCode int, err error) *Error {
	return &Error{StatusCode: statusCode, Op: op, Err: err}
}

// IsTemporary reports whether err should be retried. Unknown error
// types are treated as transient: the retry budget bounds the damage,
// and dropping a recoverable change is the worse failure.
func IsTemporary(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	return true
}
