// Package errors provides the structured error type shared by coedit
// components. Every error carries a category, a code, a message and a
// retryable flag, so callers can branch on the taxonomy without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies errors by the component that raised them.
type Category string

const (
	CategoryAuthz    Category = "AUTHZ"
	CategoryVersion  Category = "VERSION"
	CategoryStore    Category = "STORE"
	CategoryPayload  Category = "PAYLOAD"
	CategoryRequest  Category = "REQUEST"
	CategoryInternal Category = "INTERNAL"
)

// Error codes.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeUnavailable      = "UNAVAILABLE"
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodeRejected         = "REJECTED"
	CodeNotFound         = "NOT_FOUND"
	CodeCorrupt          = "CORRUPT"
	CodeUnexpected       = "UNEXPECTED"
)

// Error is the structured error type used throughout coedit.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Details   map[string]any
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates an Error.
func New(category Category, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates an Error wrapping cause.
func Wrap(category Category, code, message string, cause error) *Error {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithDetails returns a copy of the error with details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// IsRetryable reports whether err (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CategoryOf extracts the category from an error chain, or "".
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// CodeOf extracts the code from an error chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any *Error in err's chain has the given code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// Only store unavailability is retried internally. A version conflict is
// recoverable by the caller, not by blind retry.
func isRetryable(category Category, code string) bool {
	return category == CategoryStore && code == CodeUnavailable
}

// Sentinels for errors.Is matching on category and code.
var (
	ErrPermissionDenied = New(CategoryAuthz, CodePermissionDenied, "permission denied")
	ErrVersionConflict  = New(CategoryVersion, CodeVersionConflict, "version conflict")
	ErrStoreUnavailable = New(CategoryStore, CodeUnavailable, "store unavailable")
	ErrMalformedPayload = New(CategoryPayload, CodeMalformedPayload, "malformed payload")
	ErrRejected         = New(CategoryRequest, CodeRejected, "rejected")
	ErrNotFound         = New(CategoryRequest, CodeNotFound, "not found")
)

// Convenience constructors.

func PermissionDenied(reason string) *Error {
	return New(CategoryAuthz, CodePermissionDenied, reason)
}

func VersionConflict(message string) *Error {
	return New(CategoryVersion, CodeVersionConflict, message)
}

func StoreUnavailable(message string, cause error) *Error {
	return Wrap(CategoryStore, CodeUnavailable, message, cause)
}

func MalformedPayload(message string, cause error) *Error {
	return Wrap(CategoryPayload, CodeMalformedPayload, message, cause)
}

func Rejected(reason string) *Error {
	return New(CategoryRequest, CodeRejected, reason)
}

func NotFound(message string) *Error {
	return New(CategoryRequest, CodeNotFound, message)
}

func Corrupt(message string, cause error) *Error {
	return Wrap(CategoryStore, CodeCorrupt, message, cause)
}

func Internal(message string, cause error) *Error {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}
