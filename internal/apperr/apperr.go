// Package apperr holds the error taxonomy returned by the memory facade.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	// KindValidation is a caller error: missing or out-of-range fields.
	KindValidation Kind = "validation"
	// KindNotFound is a miss on a non-existent or expired key. It is a normal outcome.
	KindNotFound Kind = "not_found"
	// KindUnavailable is a transient infrastructure failure, safe to retry with backoff.
	KindUnavailable Kind = "backing_store_unavailable"
	// KindConflict means an atomic merge did not complete within its retry bound.
	KindConflict Kind = "conflict_retry_exhausted"
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Cause     error
}

// Error formats as "[kind] message" or "[kind] message: cause".
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error for the given key description.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// Unavailable wraps a backing store failure.
func Unavailable(message string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Message: message, Retryable: true, Cause: cause}
}

// Conflict wraps an exhausted merge retry loop.
func Conflict(message string, cause error) *Error {
	return &Error{Kind: KindConflict, Message: message, Retryable: true, Cause: cause}
}

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
