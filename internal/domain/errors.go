package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an export cannot be found
	ErrNotFound = errors.New("not found")

	// ErrFailedPrecondition is returned when an export file is requested before the export is done
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrInvalidArgument is returned when a required input is missing or malformed
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal wraps storage and transport failures
	ErrInternal = errors.New("internal error")
)

// Internal wraps err so that it matches both ErrInternal and the original cause
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
