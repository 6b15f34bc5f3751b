package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrQueueFull is returned by Push when the target list is at
	// capacity. Producers surface it as backpressure (HTTP 429).
	ErrQueueFull = errors.New("queue full")

	// ErrNotFound is returned by store lookups that matched nothing.
	ErrNotFound = errors.New("not found")
)

// DeadLetterError tells the worker loop where a message should end up.
// Retry false means the message is unprocessable and goes straight to
// the dead-letter queue; true means it takes the normal retry budget
// first, keeping Reason for the eventual dead letter.
type DeadLetterError struct {
	Reason string
	Retry  bool
	Err    error
}

func (e *DeadLetterError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DeadLetterError) Unwrap() error { return e.Err }

// Dead marks a message unprocessable.
func Dead(reason string, err error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Err: err}
}

// DeadAfterRetries marks a transient failure that should exhaust the
// retry budget before dead-lettering under the given reason.
func DeadAfterRetries(reason string, err error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Retry: true, Err: err}
}
