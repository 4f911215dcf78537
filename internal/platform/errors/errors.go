// Package errors defines the application error type shared by repositories,
// services and transport handlers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an AppError for transport mapping.
type ErrorCode string

const (
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeInternal      ErrorCode = "INTERNAL"
)

// AppError is an error carrying a machine-readable code.
type AppError struct {
	Code    ErrorCode
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches another AppError by code and message, so package-level
// sentinels work with errors.Is even after wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates an AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a validation failure on one field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: fmt.Sprintf("invalid %s: %s", field, message)}
}

// AlreadyExists reports a uniqueness violation.
func AlreadyExists(resource, key string) *AppError {
	return &AppError{Code: ErrCodeAlreadyExists, Message: fmt.Sprintf("%s already exists: %s", resource, key)}
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// Join re-exports errors.Join.
func Join(errs ...error) error { return stderrors.Join(errs...) }
