// Package errors defines structured error types shared by the stores and the
// HTTP API.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode defines specific error types.
type ErrorCode string

const (
	// ErrValidationFailed is returned when input data fails validation
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrMissingField is returned when a required field is missing
	ErrMissingField ErrorCode = "MISSING_FIELD"

	// ErrNotFound is returned when a value is not found
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrInvalidStore is returned when a store id was never served
	ErrInvalidStore ErrorCode = "INVALID_STORE"

	// ErrInternal is returned when an unexpected server error occurs
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	// ErrUnauthorized is returned when authentication is missing or invalid
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
)

// ErrorWithStatus is an error that includes an HTTP status code and error code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	Code() ErrorCode
	Details() map[string]any
}

// APIError is a concrete error type with status code, code, and optional details.
type APIError struct {
	statusCode int
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// NewAPIError creates a new APIError with the given status code and message.
func NewAPIError(statusCode int, code ErrorCode, message string) *APIError {
	return &APIError{
		statusCode: statusCode,
		code:       code,
		message:    message,
		details:    make(map[string]any),
	}
}

// WithDetail adds a single detail to the error.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// Code returns the error code.
func (e *APIError) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *APIError) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *APIError) Unwrap() error {
	return e.wrappedErr
}

// Is matches another *APIError with the same code, so sentinel comparisons
// work with errors.Is.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.code == e.code
}

// Predefined error constructors for common cases

// InvalidStore creates an error for a store id that was never served.
func InvalidStore(storeID, userID string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrInvalidStore, fmt.Sprintf("Invalid storeid: %s-%s", storeID, userID)).
		WithDetail("store", storeID)
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *APIError {
	return NewAPIError(http.StatusNotFound, ErrNotFound, fmt.Sprintf("%s not found", resource))
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrValidationFailed, message)
}

// MissingField creates a 400 Bad Request error for a missing field.
func MissingField(fieldName string) *APIError {
	return NewAPIError(http.StatusBadRequest, ErrMissingField, fmt.Sprintf("Missing required field: %s", fieldName))
}


// Unauthorized returns a 401 Unauthorized error.
func Unauthorized() *APIError {
	return NewAPIError(http.StatusUnauthorized, ErrUnauthorized, "Unauthorized")
}



