package partner

import (
	"errors"
	"fmt"
)

// ErrorCode classifies partner failures
type ErrorCode string

const (
	ErrorCodeLoadFailure       ErrorCode = "LOAD_FAILURE"
	ErrorCodeNoFill            ErrorCode = "NO_FILL"
	ErrorCodeAdapterNotFound   ErrorCode = "ADAPTER_NOT_FOUND"
	ErrorCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	ErrorCodeShowFailure       ErrorCode = "SHOW_FAILURE"
	ErrorCodeInvalidateFailure ErrorCode = "INVALIDATE_FAILURE"
	ErrorCodeCanceled          ErrorCode = "CANCELED"
)

// Error represents a standardized partner error
type Error struct {
	Partner string
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Partner, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Partner, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf returns the partner error code carried by err, if any
func CodeOf(err error) (ErrorCode, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// NewLoadError wraps an adapter load failure
func NewLoadError(partnerID string, cause error) *Error {
	return &Error{
		Partner: partnerID,
		Code:    ErrorCodeLoadFailure,
		Message: "partner failed to load ad",
		Cause:   cause,
	}
}

// NewNoFillError reports that the partner had no ad to serve
func NewNoFillError(partnerID string) *Error {
	return &Error{
		Partner: partnerID,
		Code:    ErrorCodeNoFill,
		Message: "no fill",
	}
}

// NewAdapterNotFoundError reports a bid for an unregistered partner
func NewAdapterNotFoundError(partnerID string) *Error {
	return &Error{
		Partner: partnerID,
		Code:    ErrorCodeAdapterNotFound,
		Message: "adapter not registered",
	}
}

// NewCircuitOpenError reports a partner rejected by its circuit breaker
func NewCircuitOpenError(partnerID string, cause error) *Error {
	return &Error{
		Partner: partnerID,
		Code:    ErrorCodeCircuitOpen,
		Message: "partner temporarily disabled",
		Cause:   cause,
	}
}

// NewShowError wraps an adapter show failure
func NewShowError(partnerID string, cause error) *Error {
	return &Error{
		Partner: partnerID,
		Code:    ErrorCodeShowFailure,
		Message: "partner failed to show ad",
		Cause:   cause,
	}
}

// NewInvalidateError wraps an adapter invalidate failure
func NewInvalidateError(partnerID string, cause error) *Error {
	return &Error{
		Partner: partnerID,
		Code:    ErrorCodeInvalidateFailure,
		Message: "partner failed to invalidate ad",
		Cause:   cause,
	}
}
