// Package errors provides the error taxonomy shared by the offline store, the
// operation queue and the sync processor.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the presentation layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage              ErrorCode = "STORAGE_ERROR"
	ErrStorageQuotaExceeded ErrorCode = "STORAGE_QUOTA_EXCEEDED"

	// Network errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrTimeout ErrorCode = "NETWORK_TIMEOUT"

	// Sync errors
	ErrSyncConflict      ErrorCode = "SYNC_CONFLICT"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	// StatusCode is the HTTP status returned by the remote API, 0 when the
	// failure happened before a response was received.
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same request can succeed.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrNetwork, ErrTimeout:
		return true
	default:
		return false
	}
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Storage wraps a persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// Network wraps a transport-level or 5xx failure. Network errors are retryable.
func Network(message string, status int, err error) *AppError {
	return &AppError{Code: ErrNetwork, Message: message, StatusCode: status, Err: err}
}

// Validation builds a non-retryable validation failure.
func Validation(message string, status int) *AppError {
	return &AppError{Code: ErrValidation, Message: message, StatusCode: status}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is checks if any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRetryable reports whether err is a retryable AppError.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	return ok && appErr.Retryable()
}

// IsStorage reports whether err originated in the durable store.
func IsStorage(err error) bool {
	return Is(err, ErrStorage) || Is(err, ErrStorageQuotaExceeded)
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when err carries none.
func CodeOf(err error) ErrorCode {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternal
}
