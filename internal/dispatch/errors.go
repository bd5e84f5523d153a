package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped     = errors.New("dispatcher stopped")
	ErrStopping    = errors.New("dispatcher stopping")
	ErrQueueFull   = errors.New("dispatch queue full")
	ErrCircuitOpen = errors.New("send skipped: circuit breaker open")

	// ErrInterrupted reports a dispatch cut short by shutdown. The item was
	// not delivered; the worker puts it back on its queue and exits.
	ErrInterrupted = errors.New("dispatch interrupted by shutdown")
)

// NoRetry marks an error as non-retryable.
//
// Send functions can wrap permanent failures (bad request, deleted chat)
// with NoRetry so the engine won't waste retries on them.
//
// Example:
//
//	return dispatch.NoRetry(fmt.Errorf("chat not found: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter marks an error with an explicit retry delay.
//
// This is the remote side's rate-limit signal (e.g. HTTP 429 Retry-After).
// The engine honors the hint verbatim: it sleeps the indicated duration and
// retries without consuming the item's retry budget.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Transient marks an error as a network/transient failure.
//
// Classification does not change retry behavior; it is surfaced in logs and
// the delivery journal for operational visibility.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is wrapped with Transient.
func IsTransient(err error) bool {
	var e transientError
	return errors.As(err, &e)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

// errKind classifies a send error for logs and journal entries.
func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case func() bool { var ra RetryAfterError; return errors.As(err, &ra) }():
		return "rate_limited"
	case IsNoRetry(err):
		return "permanent"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
