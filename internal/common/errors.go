package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")

	// ErrProcessing marks a collaborator failure; terminal for the job,
	// surfaced as a failure envelope, never reprocessed automatically.
	ErrProcessing = errors.New("processing error")
	// ErrTimeout marks work killed at the hard deadline.
	ErrTimeout = errors.New("processing timeout")

	// ErrDeliveryTransient covers network errors, 5xx and 429 responses.
	ErrDeliveryTransient = errors.New("transient delivery error")
	// ErrDeliveryTerminal covers 4xx responses other than 429; retrying
	// cannot help, the job dead-letters immediately.
	ErrDeliveryTerminal = errors.New("terminal delivery error")

	// ErrQueueUnavailable means the queue store is unreachable; submission
	// must fail loudly rather than silently drop work.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
