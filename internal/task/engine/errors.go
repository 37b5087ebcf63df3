package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped  = errors.New("engine stopped")
	ErrStopping = errors.New("engine stopping")
	// ErrQueueFull is backpressure, not loss: the scheduler leaves the
	// task scheduled and it stays due for the next tick.
	ErrQueueFull = errors.New("engine queue full")
)

// ActionError marks a handler failure inside an attempt. It names the
// failing step so execution records stay readable.
type ActionError struct {
	Action string // type tag
	Index  int    // position in the task's action list
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, e.Action, e.Err)
}
func (e *ActionError) Unwrap() error { return e.Err }

// TimeoutError marks an attempt aborted by an action deadline. It rides
// the same retry path as ActionError but is recorded as a timeout.
type TimeoutError struct {
	Action string
	Index  int
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %d (%s): timed out after %s", e.Index, e.Action, e.After)
}

// NoRetry marks an error as non-retryable.
//
// Handlers can wrap permanent failures with NoRetry so the engine fails
// the cycle immediately instead of burning attempts.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad input: %w", err))
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

// RetryAfter provides a suggested delay before the next attempt.
//
// Useful when a downstream system returns an explicit Retry-After value
// (e.g. HTTP 429). The engine respects the hint (bounded by
// RetryMaxDelay) and still applies jitter.
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
