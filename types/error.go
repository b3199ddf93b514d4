package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation error codes. These are rejected synchronously at creation and
// never enter the run state machine.
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrCyclicGraph     ErrorCode = "CYCLIC_GRAPH"
	ErrDuplicateName   ErrorCode = "DUPLICATE_NAME"
	ErrInvalidCron     ErrorCode = "INVALID_CRON"
	ErrUnknownTimezone ErrorCode = "UNKNOWN_TIMEZONE"
)

// Transition error codes. These indicate a caller/state mismatch and are not
// retried automatically.
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrNotPaused         ErrorCode = "NOT_PAUSED"
	ErrInvalidResolution ErrorCode = "INVALID_RESOLUTION"
)

// Concurrency-conflict error codes. Expected and non-fatal: the caller must
// re-read current state before retrying or surfacing the conflict.
const (
	ErrStaleApproval   ErrorCode = "STALE_APPROVAL"
	ErrScheduleClaimed ErrorCode = "SCHEDULE_CLAIMED"
)

// Execution and infrastructure error codes
const (
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
