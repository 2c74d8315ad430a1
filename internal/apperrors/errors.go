// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation         = errors.New("validation error")
	ErrMapping            = errors.New("mapping error")
	ErrNoProvider         = errors.New("no compatible provider")
	ErrProviderTransport  = errors.New("provider transport error")
	ErrProviderRejected   = errors.New("provider rejected request")
	ErrIncompleteResult   = errors.New("incomplete result")
	ErrCircularDependency = errors.New("circular dependency")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrNotComplete        = errors.New("not complete")
	ErrInternal           = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel  error  // Wrapped sentinel for errors.Is() classification
	Message   string // Human-readable message
	Field     string // For validation/mapping errors (e.g., "exhaustiveness")
	Resource  string // For not found/conflict (e.g., "job", "template")
	Provider  string // Provider involved, if any
	Op        string // Operation that failed (e.g., "httpjson.submit")
	Retryable bool   // Whether the same call may succeed if repeated
	Cause     error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Kind returns the sentinel text, used as the structured error kind on
// terminal jobs ("validation error", "provider rejected request", ...).
func (e *Error) Kind() string {
	if e.Sentinel == nil {
		return "unknown"
	}
	return e.Sentinel.Error()
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Mapping creates a mapping error. Mapping errors indicate a broken
// ProviderBinding rather than bad caller input; they are never retried.
func Mapping(field, message string) error {
	return &Error{
		Sentinel: ErrMapping,
		Message:  message,
		Field:    field,
	}
}

// NoProvider creates an error indicating no provider can serve a task.
func NoProvider(taskRef, reason string) error {
	return &Error{
		Sentinel: ErrNoProvider,
		Message:  fmt.Sprintf("no compatible provider for %s: %s", taskRef, reason),
		Resource: taskRef,
	}
}

// Transport creates a retryable provider transport error (network, timeout).
func Transport(provider, op string, cause error) error {
	return &Error{
		Sentinel:  ErrProviderTransport,
		Message:   fmt.Sprintf("%s: %v", op, cause),
		Provider:  provider,
		Op:        op,
		Retryable: true,
		Cause:     cause,
	}
}

// Rejected creates an error for a definitive provider-side rejection.
// Never retried against the same provider; fallback may be attempted.
func Rejected(provider, message string) error {
	return &Error{
		Sentinel: ErrProviderRejected,
		Message:  message,
		Provider: provider,
	}
}

// Incomplete creates an error for a declared output missing from a
// provider result that claimed success.
func Incomplete(provider, output string) error {
	return &Error{
		Sentinel: ErrIncompleteResult,
		Message:  fmt.Sprintf("required output %q missing from provider result", output),
		Provider: provider,
		Field:    output,
	}
}

// Circular creates an error for a cycle in a pipeline template.
// The path is a witness: the first and last element are the same node.
func Circular(path []string) error {
	return &Error{
		Sentinel: ErrCircularDependency,
		Message:  fmt.Sprintf("pipeline contains a cycle: %s", strings.Join(path, " -> ")),
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// NotComplete creates an error for requesting results of a non-terminal job.
func NotComplete(resource, id, state string) error {
	return &Error{
		Sentinel: ErrNotComplete,
		Message:  fmt.Sprintf("%s %s is not complete (state: %s)", resource, id, state),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsRetryable reports whether the error may succeed on a same-provider retry.
func IsRetryable(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// KindOf returns the structured kind of an error, or "unknown" for errors
// that did not originate from this package.
func KindOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind()
	}
	return "unknown"
}
