// Package apperror provides structured error handling for the loader engine.
// Every failure the engine raises on its own behalf is an *AppError so callers
// can tell configuration mistakes, bad requests and engine failures apart.
package apperror

import (
	"errors"
	"fmt"
)

// Error codes grouped by the stage that detects them.
const (
	// Raised while a loader or view is being declared.
	CodeConfiguration = "CONFIGURATION_ERROR"

	// Raised before any statement is sent to the executor.
	CodeValidation    = "VALIDATION_ERROR"
	CodeInvalidCursor = "INVALID_CURSOR"

	// Raised after the executor has been called.
	CodeExecution        = "EXECUTION_ERROR"
	CodeResultValidation = "RESULT_VALIDATION_ERROR"
	CodeVirtualField     = "VIRTUAL_FIELD_ERROR"

	CodeInternal = "INTERNAL_ERROR"
)

// AppError is the standard error type for the engine.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (offending key, sql, row index...)
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewConfiguration creates a declaration-time error.
func NewConfiguration(message string) *AppError {
	return &AppError{
		Code:    CodeConfiguration,
		Message: message,
	}
}

// NewValidation creates a request validation error.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewInvalidCursor is returned when a pagination token cannot be decoded.
func NewInvalidCursor(cause error) *AppError {
	return &AppError{
		Code:    CodeInvalidCursor,
		Message: "invalid cursor",
		Err:     cause,
	}
}

// NewExecution wraps an executor failure together with the statement that failed.
func NewExecution(sql string, cause error) *AppError {
	return &AppError{
		Code:    CodeExecution,
		Message: "query execution failed",
		Details: map[string]any{"sql": sql},
		Err:     cause,
	}
}

// NewResultValidation is returned when a fetched row does not match the declared shape.
func NewResultValidation(index int, cause error) *AppError {
	return &AppError{
		Code:    CodeResultValidation,
		Message: fmt.Sprintf("row %d does not match the declared shape", index),
		Details: map[string]any{"row": index},
		Err:     cause,
	}
}

// NewVirtualField is returned when a virtual field resolver fails.
func NewVirtualField(field string, cause error) *AppError {
	return &AppError{
		Code:    CodeVirtualField,
		Message: fmt.Sprintf("resolve virtual field %q", field),
		Details: map[string]any{"field": field},
		Err:     cause,
	}
}

// NewInternal creates an internal error.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether the first AppError in the chain carries code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsConfiguration checks if error is CodeConfiguration
func IsConfiguration(err error) bool { return HasCode(err, CodeConfiguration) }

// IsValidation checks if error is CodeValidation
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// IsInvalidCursor checks if error is CodeInvalidCursor
func IsInvalidCursor(err error) bool { return HasCode(err, CodeInvalidCursor) }
