// Package errors provides coded application errors shared by the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is a stable identifier surfaced to callers and logs.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrSyncOffline  ErrorCode = "SYNC_OFFLINE"
	ErrSyncConflict ErrorCode = "SYNC_CONFLICT"

	// Gateway errors
	ErrGatewayRejected    ErrorCode = "GATEWAY_REJECTED"
	ErrGatewayUnreachable ErrorCode = "GATEWAY_UNREACHABLE"

	// Auth errors
	ErrAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrNotLoggedIn     ErrorCode = "NOT_LOGGED_IN"
	ErrAccountLinkFail ErrorCode = "ACCOUNT_LINK_FAILED"

	// Appointment errors
	ErrAppointmentInvalid ErrorCode = "APPOINTMENT_INVALID"

	// Workflow errors
	ErrWorkflowFailed  ErrorCode = "WORKFLOW_FAILED"
	ErrWorkflowUnknown ErrorCode = "WORKFLOW_UNKNOWN"

	// Export errors
	ErrExportFailed     ErrorCode = "EXPORT_FAILED"
	ErrInvalidPassword  ErrorCode = "INVALID_PASSWORD"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
