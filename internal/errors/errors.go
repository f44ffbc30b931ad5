package errors

import (
	"errors"
	"fmt"
)

// Domain-specific error types
var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAccountNotFound indicates the account was not found
	ErrAccountNotFound = errors.New("account not found")

	// ErrFolderNotFound indicates the folder was not found
	ErrFolderNotFound = errors.New("folder not found")

	// ErrMessageNotFound indicates the message was not found
	ErrMessageNotFound = errors.New("message not found")

	// ErrAttachmentNotFound indicates the attachment was not found
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrInvalidInput indicates invalid input data
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden indicates the resource does not belong to the caller
	ErrForbidden = errors.New("forbidden")

	// Connection failure kinds, matched through errors.Is on a connection error
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrTLS                = errors.New("tls error")
	ErrTimeout            = errors.New("connection timed out")

	// ErrNotConnected indicates no live session exists for the account
	ErrNotConnected = errors.New("not connected")

	// ErrProtocol indicates the server rejected a command
	ErrProtocol = errors.New("protocol error")
)

// Error codes for tool responses
const (
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeForbidden          = "FORBIDDEN"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeNetworkUnreachable = "NETWORK_UNREACHABLE"
	CodeTLSError           = "TLS_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents an application error with context. Hint, when set,
// tells the user how to fix the failure.
type AppError struct {
	Err     error
	Message string
	Code    string
	Hint    string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new AppError
func NewAppError(err error, message string, code string) *AppError {
	return &AppError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// WithHint attaches a remediation hint to err, keeping its code
func WithHint(err error, hint string) *AppError {
	appErr := NewAppError(err, "", GetErrorCode(err))
	appErr.Hint = hint
	return appErr
}

// HintOf returns the remediation hint carried by err, if any
func HintOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Hint
	}
	return ""
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrFolderNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrAttachmentNotFound)
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// GetErrorCode returns the appropriate error code for an error
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}

	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsInvalidInput(err):
		return CodeInvalidInput
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, ErrNetworkUnreachable):
		return CodeNetworkUnreachable
	case errors.Is(err, ErrTLS):
		return CodeTLSError
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	default:
		return CodeInternalError
	}
}
