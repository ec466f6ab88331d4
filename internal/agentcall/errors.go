package agentcall

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureClass is the taxonomy returned to callers for a failed invocation.
// Cancelled always propagates; the other classes are recoverable locally when
// policy allows.
type FailureClass string

const (
	ClassCancelled     FailureClass = "cancelled"
	ClassTimedOut      FailureClass = "timed_out"
	ClassSchemaInvalid FailureClass = "schema_invalid"
	ClassTransport     FailureClass = "transport"
)

// CallError is the unified failure type for agent invocations.
type CallError struct {
	Class   FailureClass
	Step    string
	CallKey string
	Message string
}

func (e *CallError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "agent call failed"
	}
	if e.CallKey != "" {
		return fmt.Sprintf("%s: %s: %s", e.CallKey, e.Class, msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, msg)
}

// Recoverable reports whether the fallback machinery may handle this failure
// instead of propagating it.
func (e *CallError) Recoverable() bool {
	return e.Class != ClassCancelled
}

// ClassOf maps any error to a failure class. Plain context errors count as
// cancellation; deadline expiry counts as a timeout.
func ClassOf(err error) FailureClass {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassTransport
}

func IsCancelled(err error) bool     { return err != nil && ClassOf(err) == ClassCancelled }
func IsTimedOut(err error) bool      { return err != nil && ClassOf(err) == ClassTimedOut }
func IsSchemaInvalid(err error) bool { return err != nil && ClassOf(err) == ClassSchemaInvalid }

// ContextError returns a cancellation CallError when ctx is already done,
// preferring the recorded cause for the message.
func ContextError(ctx context.Context) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	var ce *CallError
	if errors.As(cause, &ce) {
		return ce
	}
	return &CallError{Class: ClassCancelled, Message: cause.Error()}
}
