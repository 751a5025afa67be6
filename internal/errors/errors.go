// Package errors provides the coded error taxonomy used across the chart store.
//
// Storage-facing code never lets raw driver errors escape; they are wrapped
// into one of the codes below so callers can branch on errors.Is:
//
//	id, err := repo.Save(ctx, sess, reading)
//	if errors.Is(err, errors.ErrStorage) {
//	    // transient: safe to retry
//	}
//
//	var chartErr *errors.Error
//	if errors.As(err, &chartErr) && chartErr.Code == errors.CodeSchema {
//	    // repository unusable
//	}
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the store.
const (
	// CodeSchema means a table could not be created or verified. Fatal for the repository.
	CodeSchema Code = "SCHEMA"
	// CodeStorage wraps any I/O or driver failure during a read or write. Callers may retry.
	CodeStorage Code = "STORAGE"
	// CodeQuery means a batch query failed as a whole; no partial results are returned.
	CodeQuery Code = "QUERY"
	// CodeConflict is raised by the reconciler when two devices diverged on the same record.
	CodeConflict Code = "CONFLICT"

	CodeNotFound   Code = "NOT_FOUND"
	CodeValidation Code = "VALIDATION"
	CodeInternal   Code = "INTERNAL"
)

// Retryable reports whether an operation failing with this code may succeed on retry.
func (c Code) Retryable() bool {
	return c == CodeStorage || c == CodeQuery
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a new error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		cause:   e.cause,
	}
}

// Sentinel errors for use with errors.Is().
var (
	ErrSchema     = &Error{Code: CodeSchema, Message: "schema error"}
	ErrStorage    = &Error{Code: CodeStorage, Message: "storage error"}
	ErrQuery      = &Error{Code: CodeQuery, Message: "query error"}
	ErrConflict   = &Error{Code: CodeConflict, Message: "conflict"}
	ErrNotFound   = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation = &Error{Code: CodeValidation, Message: "validation error"}
	ErrInternal   = &Error{Code: CodeInternal, Message: "internal error"}
)

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Validationf creates a validation error with formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// Conflictf creates a conflict error with formatted message.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Internalf creates an internal error with formatted message.
func Internalf(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Schema wraps a failure to create or verify a table.
func Schema(err error, table string) *Error {
	return &Error{Code: CodeSchema, Message: "initialize schema for " + table, cause: err}
}

// Storagef wraps a driver failure with a formatted message.
// An err that already carries a code is returned unchanged so the
// original classification survives nested calls.
func Storagef(err error, format string, args ...any) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: CodeStorage, Message: fmt.Sprintf(format, args...), cause: err}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}
