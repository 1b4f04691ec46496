// Package apperr defines the run-level error taxonomy shared by the
// translation pipeline.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Type classifies an application error.
type Type int

const (
	// Configuration errors are fatal and abort before any work starts.
	Configuration Type = iota
	// DocumentIO errors are fatal: the workbook cannot be read or the final
	// artifact cannot be written.
	DocumentIO
	// Persistence errors come from cache or checkpoint writes. They degrade
	// durability but never abort a run.
	Persistence
	// Backend errors abort a run only when the backend rejects credentials.
	Backend
	// Canceled marks a run stopped by an interruption after its final
	// checkpoint was written.
	Canceled
)

func (t Type) String() string {
	switch t {
	case Configuration:
		return "ConfigurationError"
	case DocumentIO:
		return "DocumentIOError"
	case Persistence:
		return "PersistenceError"
	case Backend:
		return "BackendError"
	case Canceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Error is a typed application error.
type Error struct {
	Type    Type
	Message string
	Context map[string]any
	Cause   error
}

// New creates an error of the given type.
func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message, Context: make(map[string]any)}
}

// Wrap creates an error of the given type around cause.
func Wrap(cause error, t Type, message string) *Error {
	e := New(t, message)
	e.Cause = cause
	return e
}

// Configf is shorthand for a formatted Configuration error.
func Configf(format string, args ...any) *Error {
	return New(Configuration, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// With attaches a context value and returns the receiver.
func (e *Error) With(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsType reports whether err wraps an *Error of type t.
func IsType(err error, t Type) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}
