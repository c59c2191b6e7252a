package shared

import (
	"errors"
	"fmt"
)

// ErrKind classifies failures across the orchestrator. Kinds are stored as
// strings on failed job rows and returned to synchronous callers.
type ErrKind string

const (
	ErrUnavailable        ErrKind = "unavailable"
	ErrTimeout            ErrKind = "timeout"
	ErrInvalidResponse    ErrKind = "invalid_response"
	ErrCancelled          ErrKind = "cancelled"
	ErrNotFound           ErrKind = "not_found"
	ErrPersistenceFailure ErrKind = "persistence_failure"
)

// Error carries a classified failure. Diagnostics holds a truncated raw
// capture (stderr or unparsable stdout) for postmortem inspection.
type Error struct {
	Kind        ErrKind
	Message     string
	Diagnostics string
	wrapped     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Errorf builds a classified error.
func Errorf(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr classifies an underlying error without losing its chain.
func WrapErr(kind ErrKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDiagnostics attaches a truncated raw capture to the error.
func (e *Error) WithDiagnostics(raw string, max int) *Error {
	e.Diagnostics = Truncate(raw, max)
	return e
}

// KindOf returns the classification of err, or empty for untyped errors.
func KindOf(err error) ErrKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrKind) bool {
	return KindOf(err) == kind
}

// DiagnosticsOf returns the raw capture attached to err, if any.
func DiagnosticsOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Diagnostics
	}
	return ""
}
