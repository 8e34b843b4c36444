// Package errors provides the error types shared across the gateway.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUpstreamFailed    = "UPSTREAM_FAILED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeGatewayTimeout    = "GATEWAY_TIMEOUT"
	ErrCodeSecretUnavailable = "SECRET_UNAVAILABLE"
)

// AppError represents an application-specific error with the HTTP status the
// API layer should answer with. Message is the client-visible text; Err keeps
// the underlying cause for logs only.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Validation creates a 400 error. The message is sent to clients verbatim.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// PayloadTooLarge creates a 413 error.
func PayloadTooLarge(message string) *AppError {
	return &AppError{
		Code:       ErrCodePayloadTooLarge,
		Message:    message,
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}
}

// NotFound creates a 404 error.
func NotFound(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// Upstream creates a 500 error for a failed call to the agent gateway.
func Upstream(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeUpstreamFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Internal creates a 500 error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// GatewayTimeout creates a 504 error.
func GatewayTimeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeGatewayTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// SecretUnavailable creates a 503 error for routes whose secret is not configured.
func SecretUnavailable(message string) *AppError {
	return &AppError{
		Code:       ErrCodeSecretUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// An existing AppError keeps its code and status.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidation
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
