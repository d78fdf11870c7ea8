package errors

import (
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
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Registry errors
	ErrCodeUnknownEndpoint  ErrorCode = "UNKNOWN_ENDPOINT"
	ErrCodeDuplicateSession ErrorCode = "DUPLICATE_SESSION"

	// Call lifecycle errors
	ErrCodeEndpointUnavailable ErrorCode = "ENDPOINT_UNAVAILABLE"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeSessionTerminated   ErrorCode = "SESSION_TERMINATED"

	// Signaling errors
	ErrCodeNotAParticipant  ErrorCode = "NOT_A_PARTICIPANT"
	ErrCodeSessionNotActive ErrorCode = "SESSION_NOT_ACTIVE"
	ErrCodeDeliveryFailed   ErrorCode = "DELIVERY_FAILED"

	// Internal errors
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodePersistence    ErrorCode = "PERSISTENCE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
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

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusForbidden)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

// Registry errors
func UnknownEndpointError() *AppError {
	return NewWithStatus(ErrCodeUnknownEndpoint, "Endpoint is not registered", http.StatusNotFound)
}

func DuplicateSessionError() *AppError {
	return NewWithStatus(ErrCodeDuplicateSession, "User already has a live endpoint", http.StatusConflict)
}

// Call lifecycle errors
func EndpointUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeEndpointUnavailable, message, http.StatusConflict)
}

func InvalidTransitionError(from, op string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition,
		fmt.Sprintf("Operation %q is not valid from state %q", op, from), http.StatusConflict)
}

func SessionTerminatedError() *AppError {
	return NewWithStatus(ErrCodeSessionTerminated, "Session has already reached a terminal state", http.StatusConflict)
}

// Signaling errors
func NotAParticipantError() *AppError {
	return NewWithStatus(ErrCodeNotAParticipant, "Endpoint is not a participant of this session", http.StatusForbidden)
}

func SessionNotActiveError() *AppError {
	return NewWithStatus(ErrCodeSessionNotActive, "Session is not active", http.StatusGone)
}

func DeliveryFailedError() *AppError {
	return NewWithStatus(ErrCodeDeliveryFailed, "Peer endpoint is not reachable, payload dropped", http.StatusBadGateway)
}

// Not found / internal errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func PersistenceError(err error) *AppError {
	return Wrap(ErrCodePersistence, "Ledger write failed", err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return InternalError(err.Error())
}

// IsCode reports whether err is an AppError carrying the given code
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}
