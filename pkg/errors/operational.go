// Package errors defines the error taxonomy of the update engine.
//
// Three recoverable error kinds exist: RegistrationError (a registration call
// was rejected and prior state left untouched), UpdateCallbackError (a
// subscriber callback failed or panicked while firing) and FingerprintError
// (a column could not be summarised and was treated as changed). None of them
// ever escape SubmitState or ProcessPendingUpdates.
package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStaleHandle is returned when a revoked handle is used.
	ErrStaleHandle = errors.New("stale subscriber handle")
	// ErrUnknownHandle is returned when a handle was never issued by the scheduler.
	ErrUnknownHandle = errors.New("unknown subscriber handle")
	// ErrAlreadyRegistered is the cause of a RegistrationError for duplicate subscribers.
	ErrAlreadyRegistered = errors.New("subscriber already registered")
	// ErrNilSubscriber is the cause of a RegistrationError for nil subscribers.
	ErrNilSubscriber = errors.New("subscriber cannot be nil")
)

// OperationalError represents enhanced error information for debugging.
//
// It wraps errors with operational context including the subscriber name and
// timestamp.
type OperationalError struct {
	Operation  string                 // What operation was being performed
	Subscriber string                 // Which subscriber (if applicable)
	Timestamp  time.Time              // When error occurred
	Attributes map[string]interface{} // Additional context (optional)
	Cause      error                  // Underlying error
}

// NewOperationalError creates an OperationalError wrapping an error.
//
// Returns nil if cause is nil (no error to wrap).
//
// Example:
//
//	if err != nil {
//	    return NewOperationalError("loading scenario", "", err)
//	}
func NewOperationalError(operation, subscriber string, cause error) *OperationalError {
	if cause == nil {
		return nil
	}

	return &OperationalError{
		Operation:  operation,
		Subscriber: subscriber,
		Timestamp:  time.Now(),
		Cause:      cause,
	}
}

// NewOperationalErrorWithAttrs creates an OperationalError with additional attributes.
//
// Returns nil if cause is nil (no error to wrap).
func NewOperationalErrorWithAttrs(operation, subscriber string, cause error, attrs map[string]interface{}) *OperationalError {
	if cause == nil {
		return nil
	}

	return &OperationalError{
		Operation:  operation,
		Subscriber: subscriber,
		Timestamp:  time.Now(),
		Attributes: attrs,
		Cause:      cause,
	}
}

// Error implements the error interface.
//
// Format: "[timestamp] operation: subscriber={name}: {cause}"
// If the subscriber is empty, it's omitted from the message.
func (e *OperationalError) Error() string {
	if e == nil {
		return "<nil OperationalError>"
	}

	timestamp := e.Timestamp.Format(time.RFC3339)
	if e.Subscriber != "" {
		return fmt.Sprintf("[%s] %s: subscriber=%s: %v", timestamp, e.Operation, e.Subscriber, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %v", timestamp, e.Operation, e.Cause)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
