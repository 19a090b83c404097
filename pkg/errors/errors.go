package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Authentication errors
	ErrCodeUnauthenticated ErrorCode = "UNAUTHENTICATED"
	ErrCodeInvalidToken    ErrorCode = "INVALID_TOKEN"

	// Authorization errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Not found errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound  ErrorCode = "CALL_NOT_FOUND"
	ErrCodeInvalidTarget ErrorCode = "INVALID_TARGET"

	// Call state errors
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeCallNoLongerAvailable  ErrorCode = "CALL_NO_LONGER_AVAILABLE"
	ErrCodeSelfCallNotAllowed     ErrorCode = "SELF_CALL_NOT_ALLOWED"
	ErrCodeConcurrentCallExists   ErrorCode = "CONCURRENT_CALL_EXISTS"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthenticatedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthenticated, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// UnauthorizedError means the actor is not a legitimate party to the call
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// InvalidTargetError means the addressed receiver or group does not exist
func InvalidTargetError() *AppError {
	return NewWithStatus(ErrCodeInvalidTarget, "Call target does not exist", http.StatusNotFound)
}

// Call state errors
func InvalidStateTransitionError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidStateTransition, message, http.StatusBadRequest)
}

func CallNoLongerAvailableError() *AppError {
	return NewWithStatus(ErrCodeCallNoLongerAvailable, "Call already resolved", http.StatusBadRequest)
}

func SelfCallNotAllowedError() *AppError {
	return NewWithStatus(ErrCodeSelfCallNotAllowed, "Cannot call yourself", http.StatusBadRequest)
}

func ConcurrentCallExistsError() *AppError {
	return NewWithStatus(ErrCodeConcurrentCallExists, "An active call with this user already exists", http.StatusConflict)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
