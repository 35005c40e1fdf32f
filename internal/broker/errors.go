package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectionSuperseded fails a pending request whose connection was
// replaced by a newer registration from the same device.
var ErrConnectionSuperseded = errors.New("connection superseded by newer registration")

// RateLimitError is returned when a dispatch is rejected by a rate
// limit window before any work is done.
type RateLimitError struct {
	Scope   string
	ResetIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets in %s", e.Scope, e.ResetIn.Round(time.Millisecond))
}

// CircuitOpenError is returned when the target's circuit breaker is
// rejecting traffic.
type CircuitOpenError struct {
	TargetID string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for target %s", e.TargetID)
}

// AgentUnavailableError is returned when no live connection owns the
// requested target.
type AgentUnavailableError struct {
	TargetID string
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("no agent available for target %s", e.TargetID)
}

// TimeoutError is returned when an agent did not respond within the
// adaptive deadline.
type TimeoutError struct {
	TargetID string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.TargetID, e.Elapsed.Round(time.Millisecond))
}

// PermanentError wraps an agent failure that retrying cannot fix, such
// as a malformed payload or an unknown operation.
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string {
	return e.Message
}

// TransientError wraps a failure that may clear on retry, such as a
// busy or momentarily offline printer, or a connection that died under
// the request. Err, when set, preserves the underlying cause for
// errors.Is checks against sentinels like ErrConnectionSuperseded.
type TransientError struct {
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	return e.Message
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
