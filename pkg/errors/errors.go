// Package errors defines the error taxonomy shared across the engine's
// surfaces: request execution, stream consumption, and the service loop.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for callers that need to branch on it
// without string-matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindStreamOS
	KindConfig
	KindHandler
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "TimeoutError"
	case KindStreamOS:
		return "StreamOSError"
	case KindConfig:
		return "ConfigError"
	case KindHandler:
		return "HandlerError"
	case KindCancelled:
		return "CancelledError"
	default:
		return "UnknownError"
	}
}

// Error is the engine's wrapped error type. Operation and EventName give
// callers enough context to log without re-deriving it from the call stack.
type Error struct {
	Kind      Kind
	Operation string
	EventName string
	Err       error
}

func (e *Error) Error() string {
	if e.EventName != "" {
		return fmt.Sprintf("%s: %s (event=%s): %v", e.Kind, e.Operation, e.EventName, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, operation, eventName string, err error) *Error {
	return &Error{Kind: kind, Operation: operation, EventName: eventName, Err: err}
}

// Timeout wraps err as a response/stream processing timeout.
func Timeout(operation, eventName string, err error) *Error {
	return newErr(KindTimeout, operation, eventName, err)
}

// StreamOS wraps a broker connectivity failure. The engine's read loop
// treats this kind as transient and retries; any other error ends the loop.
func StreamOS(operation string, err error) *Error {
	return newErr(KindStreamOS, operation, "", err)
}

// Config wraps a configuration resolution failure: unresolved ${VAR},
// missing handler, or a misconfigured event (STREAM without readStream,
// SERVICE without a service hook). A STREAM event with no declared
// datatypes is not rejected.
func Config(operation, eventName string, err error) *Error {
	return newErr(KindConfig, operation, eventName, err)
}

// Handler wraps any error raised by user step code.
func Handler(eventName string, err error) *Error {
	return newErr(KindHandler, "execute", eventName, err)
}

// Cancelled wraps a cooperative cancellation (context.Canceled surfacing
// through a step or a read cycle).
func Cancelled(operation, eventName string, err error) *Error {
	return newErr(KindCancelled, operation, eventName, err)
}

// Is reports whether err carries the given Kind, unwrapping through
// fmt.Errorf("...: %w", ...) chains.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
