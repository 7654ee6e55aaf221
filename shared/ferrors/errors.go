// Package ferrors defines the error taxonomy shared by the coordinator and
// the worker. A Kind is a stable, machine-readable classification — never a
// human message — so that request boundaries can translate an error into an
// HTTP status and the job execution engine can translate one into a
// terminal state without either caring about the other's internals.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for programmatic handling. It is not a Go type;
// callers compare it by value via KindOf.
type Kind string

const (
	Validation     Kind = "validation-error"
	NotFound       Kind = "not-found"
	Infrastructure Kind = "infrastructure-error"
	Timeout        Kind = "timeout-error"
	Decryption     Kind = "decryption-error"
	Protocol       Kind = "protocol-error"
	Cancelled      Kind = "cancelled"
)

// Error is a classified error. Message is safe to show to a caller; Cause,
// if present, is wrapped for logging and errors.Is/As but never serialized.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a classified Error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// Infrastructure otherwise — an unclassified error is always treated as an
// infrastructure failure rather than silently downgraded to "not found" or
// "validation", which would understate its severity to a caller.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Infrastructure
}

// MessageOf returns a caller-safe message for err.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "an internal error occurred"
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
