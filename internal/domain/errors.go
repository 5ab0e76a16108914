package domain

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Sentinel errors shared by the store, the transports and the engine.
// Wrap them with errors.Wrap to add context; match them with errors.Is.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid job")
	ErrStopped  = errors.New("supervisor stopped")
)

// RateLimitError signals that the transport asked the caller to wait before
// the next request. The wait is honoured exactly.
type RateLimitError struct {
	Wait time.Duration
	Op   string
}

func (e *RateLimitError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("rate limited: retry after %s", e.Wait)
	}
	return fmt.Sprintf("%s: rate limited: retry after %s", e.Op, e.Wait)
}

// RateLimited reports the wait carried by err, if err is or wraps a
// RateLimitError.
func RateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl != nil {
		return rl.Wait, true
	}
	return 0, false
}

// NewRateLimit builds a RateLimitError for op.
func NewRateLimit(op string, wait time.Duration) error {
	if wait < 0 {
		wait = 0
	}
	return &RateLimitError{Op: op, Wait: wait}
}
