package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies tool and adapter failures for the agent-facing
// error envelope
type ErrorCode string

const (
	CodeError             ErrorCode = "ERROR"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
	CodeValidationError   ErrorCode = "VALIDATION_ERROR"
	CodeInvalidArgs       ErrorCode = "INVALID_ARGS"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	CodeFileNotFound      ErrorCode = "FILE_NOT_FOUND"
	CodePermissionError   ErrorCode = "PERMISSION_ERROR"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeUnsupported       ErrorCode = "UNSUPPORTED"
	CodeGCodeBlocked      ErrorCode = "GCODE_BLOCKED"
	CodePreflightFailed   ErrorCode = "PREFLIGHT_FAILED"
	CodeSafetyEscalated   ErrorCode = "SAFETY_ESCALATED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeSafetyViolation   ErrorCode = "SAFETY_VIOLATION"
	CodeAuthError         ErrorCode = "AUTH_ERROR"
	CodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeGenerationTimeout ErrorCode = "GENERATION_TIMEOUT"
)

// Retryable reports whether a caller may usefully retry the operation
// that produced this code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeError, CodeInternal, CodeGenerationTimeout, CodeRateLimit:
		return true
	}
	return false
}

// Error is a coded error carried across component boundaries. It wraps
// an optional cause so errors.Is and errors.As keep working through it.
// Details carries diagnostic payload the tool envelope surfaces next to
// the code, such as blocked_commands or pre-flight check results.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two coded errors by code, so sentinel-style comparisons
// like errors.Is(err, &Error{Code: CodeNotFound}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the envelope should mark this error
// retryable.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a diagnostic payload and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsError coerces any error into a coded error. Errors that already
// carry a code pass through; everything else becomes CodeError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeError, Message: err.Error(), Err: err}
}

// CodeOf extracts the code from an error, defaulting to CodeError for
// uncoded errors and empty for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
