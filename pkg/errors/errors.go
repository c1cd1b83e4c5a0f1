package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType classifies failures by how the ingestion engine must react to them
type ErrorType string

const (
	ErrorTypeThrottle  ErrorType = "throttle"
	ErrorTypeTransient ErrorType = "transient"
	ErrorTypeStorage   ErrorType = "storage"
	ErrorTypeData      ErrorType = "data"
	ErrorTypeAccess    ErrorType = "access"
	ErrorTypeConfig    ErrorType = "config"
	ErrorTypeCanceled  ErrorType = "canceled"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// Error is a typed ingestion error
type Error struct {
	Type    ErrorType
	Op      string
	Channel string
	Message string
	// RetryAfter is the minimum wait demanded by the upstream for throttle errors
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Type) + " error"
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Channel != "" {
		msg += fmt.Sprintf(" (channel %s)", e.Channel)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Type == ErrorTypeThrottle && e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given type
func New(t ErrorType, op, message string) *Error {
	return &Error{Type: t, Op: op, Message: message}
}

// Wrap wraps err with a type and operation name. A nil err yields nil.
func Wrap(t ErrorType, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, Op: op, Err: err}
}

// Throttle creates an upstream backpressure error
func Throttle(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Type: ErrorTypeThrottle, Op: op, RetryAfter: retryAfter, Err: err}
}

// Transient wraps a network or timeout failure
func Transient(op string, err error) error {
	return Wrap(ErrorTypeTransient, op, err)
}

// Storage wraps a write-layer failure
func Storage(op string, err error) error {
	return Wrap(ErrorTypeStorage, op, err)
}

// Data creates an error for a malformed upstream record
func Data(op, message string) *Error {
	return New(ErrorTypeData, op, message)
}

// Access wraps a failure to reach a channel at all (invalid, private, unknown)
func Access(op, channel string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Type: ErrorTypeAccess, Op: op, Channel: channel, Err: err}
}

// WithChannel returns err annotated with a channel name when it is a typed error
func WithChannel(err error, channel string) error {
	var e *Error
	if stderrors.As(err, &e) && e.Channel == "" {
		cp := *e
		cp.Channel = channel
		return &cp
	}
	return err
}

// TypeOf reports the type of err. Context cancellation maps to ErrorTypeCanceled.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeCanceled
	}
	return ErrorTypeUnknown
}

// Is reports whether err carries the given type
func Is(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// RetryAfter extracts the throttle wait from err
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if stderrors.As(err, &e) && e.Type == ErrorTypeThrottle {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeThrottle, ErrorTypeTransient:
		return true
	case ErrorTypeStorage, ErrorTypeData, ErrorTypeAccess, ErrorTypeConfig, ErrorTypeCanceled:
		return false
	default:
		return false
	}
}

// As is errors.As, re-exported so callers need a single errors import
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
