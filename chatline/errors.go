package chatline

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Protocol Errors (inbound frames the client cannot fold)
	ErrorMalformedFrame
	ErrorUnknownFrameType

	// Client-side Errors
	ErrorConnection
	ErrorDisconnected
	ErrorTimeout
	ErrorInvalidConfig
	ErrorNotConnected
	ErrorSendQueueFull
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorMalformedFrame:
		return "malformed_frame"
	case ErrorUnknownFrameType:
		return "unknown_frame_type"
	case ErrorConnection:
		return "connection_error"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorTimeout:
		return "timeout"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorSendQueueFull:
		return "send_queue_full"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// ChatlineError is a structured error with code and context.
type ChatlineError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *ChatlineError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *ChatlineError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface for error comparison.
func (e *ChatlineError) Is(target error) bool {
	t, ok := target.(*ChatlineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new ChatlineError with the given code and message.
func NewError(code ErrorCode, message string) *ChatlineError {
	return &ChatlineError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with a ChatlineError.
func WrapError(code ErrorCode, message string, err error) *ChatlineError {
	return &ChatlineError{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// IsProtocolError checks if an error comes from an inbound frame the client
// could not interpret.
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ChatlineError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == ErrorMalformedFrame || ce.Code == ErrorUnknownFrameType
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ChatlineError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == ErrorConnection || ce.Code == ErrorDisconnected || ce.Code == ErrorTimeout
}
