// Package errors provides error code definitions for the persistence core.
package errors

import "fmt"

// ErrorCode represents a unique application error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Snapshot store errors
	ErrStorage          ErrorCode = "STORAGE_ERROR"
	ErrDuplicateVersion ErrorCode = "DUPLICATE_VERSION"
	ErrSnapshotNotFound ErrorCode = "SNAPSHOT_NOT_FOUND"

	// Codec errors
	ErrCodecDecode ErrorCode = "CODEC_DECODE_FAILED"

	// Persistence service errors
	ErrDocumentNotBound ErrorCode = "DOCUMENT_NOT_BOUND"
	ErrSaveInProgress   ErrorCode = "SAVE_IN_PROGRESS"
	ErrApplyFailed      ErrorCode = "SNAPSHOT_APPLY_FAILED"
	ErrPruneFailed      ErrorCode = "PRUNE_FAILED"
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
