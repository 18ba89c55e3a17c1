// Package domain provides canonical types and the error taxonomy for the gateway.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of an API error.
type ErrorKind string

const (
	// ErrorKindUnauthenticated indicates a missing, invalid, or revoked API key.
	ErrorKindUnauthenticated ErrorKind = "unauthenticated"

	// ErrorKindForbidden indicates a valid key lacking the required capability.
	ErrorKindForbidden ErrorKind = "forbidden"

	// ErrorKindThrottled indicates the per-key rate limit was exceeded.
	ErrorKindThrottled ErrorKind = "throttled"

	// ErrorKindValidation indicates a malformed request body.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindNotFound indicates an unknown or foreign-owned resource.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindBackendTransient indicates a retriable backend failure
	// (timeout, malformed response, 5xx).
	ErrorKindBackendTransient ErrorKind = "backend_transient"

	// ErrorKindBackendPermanent indicates a non-retriable backend failure (4xx).
	ErrorKindBackendPermanent ErrorKind = "backend_permanent"

	// ErrorKindInternal indicates an unexpected or store failure.
	ErrorKindInternal ErrorKind = "internal"
)

// ErrorCode provides a stable machine-readable code beyond the error kind.
type ErrorCode string

const (
	ErrorCodeAuthenticationError ErrorCode = "AUTHENTICATION_ERROR"
	ErrorCodeInvalidAPIKey       ErrorCode = "INVALID_API_KEY"
	ErrorCodeAuthorizationError  ErrorCode = "AUTHORIZATION_ERROR"
	ErrorCodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrorCodeValidationError     ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeJobNotFound         ErrorCode = "JOB_NOT_FOUND"
	ErrorCodeBackendError        ErrorCode = "BACKEND_ERROR"
	ErrorCodeBackendUnavailable  ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorCodeJobProcessingError  ErrorCode = "JOB_PROCESSING_ERROR"
	ErrorCodeJobCancelled        ErrorCode = "JOB_CANCELLED"
	ErrorCodeJobNotCancellable   ErrorCode = "JOB_NOT_CANCELLABLE"
	ErrorCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// APIError is the canonical error returned by gateway components and
// translated into an HTTP response by the front door.
type APIError struct {
	// Kind is the category of error.
	Kind ErrorKind `json:"-"`

	// Code is the stable machine-readable error code.
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message. It never carries backend
	// implementation detail or stack traces.
	Message string `json:"message"`

	// Param is the request parameter that caused the error, if applicable.
	Param string `json:"param,omitempty"`

	// StatusCode overrides the default HTTP status for the kind.
	StatusCode int `json:"-"`

	// RetryAfter is the number of seconds until the caller may retry.
	// Only set for throttled errors.
	RetryAfter int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case ErrorKindUnauthenticated:
		return http.StatusUnauthorized
	case ErrorKindForbidden:
		return http.StatusForbidden
	case ErrorKindThrottled:
		return http.StatusTooManyRequests
	case ErrorKindValidation:
		return http.StatusUnprocessableEntity
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindBackendTransient, ErrorKindBackendPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether the error is eligible for a retry.
func (e *APIError) Transient() bool {
	return e.Kind == ErrorKindBackendTransient
}

// WithCode sets the error code.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam sets the offending parameter name.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// NewAPIError creates a new API error.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{
		Kind:    kind,
		Message: message,
	}
}

// Convenience constructors for common errors

// ErrUnauthenticated creates an authentication error.
func ErrUnauthenticated(message string) *APIError {
	return NewAPIError(ErrorKindUnauthenticated, message).
		WithCode(ErrorCodeAuthenticationError)
}

// ErrForbidden creates an authorization error.
func ErrForbidden(message string) *APIError {
	return NewAPIError(ErrorKindForbidden, message).
		WithCode(ErrorCodeAuthorizationError)
}

// ErrThrottled creates a rate limit error carrying the seconds remaining
// until the next window boundary.
func ErrThrottled(retryAfter int) *APIError {
	err := NewAPIError(ErrorKindThrottled, "rate limit exceeded").
		WithCode(ErrorCodeRateLimitExceeded)
	err.RetryAfter = retryAfter
	return err
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *APIError {
	return NewAPIError(ErrorKindValidation, message).
		WithCode(ErrorCodeValidationError)
}

// ErrJobNotCancellable reports an attempt to cancel a job that has already
// left the queue. Only queued jobs can be cancelled.
func ErrJobNotCancellable(state string) *APIError {
	return NewAPIError(ErrorKindValidation,
		fmt.Sprintf("job in state %s cannot be cancelled", state)).
		WithCode(ErrorCodeJobNotCancellable).
		WithStatusCode(http.StatusConflict)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorKindNotFound, message).
		WithCode(ErrorCodeNotFound)
}

// ErrBackendTransient creates a retriable backend error.
func ErrBackendTransient(message string) *APIError {
	return NewAPIError(ErrorKindBackendTransient, message).
		WithCode(ErrorCodeBackendError)
}

// ErrBackendPermanent creates a non-retriable backend error.
func ErrBackendPermanent(message string) *APIError {
	return NewAPIError(ErrorKindBackendPermanent, message).
		WithCode(ErrorCodeBackendError)
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *APIError {
	return NewAPIError(ErrorKindInternal, message).
		WithCode(ErrorCodeInternalError)
}

// AsAPIError converts an error into an APIError. Errors outside the taxonomy
// are wrapped as internal so no implementation detail leaks to callers.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternal("an internal error occurred")
}
