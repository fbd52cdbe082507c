package errors

import "fmt"

// RegistrationError reports a rejected registration call. The scheduler state
// is unchanged when one is returned.
type RegistrationError struct {
	Subscriber string
	Reason     string
	Cause      error
}

// NewRegistrationError creates a RegistrationError.
func NewRegistrationError(subscriber, reason string, cause error) *RegistrationError {
	return &RegistrationError{Subscriber: subscriber, Reason: reason, Cause: cause}
}

func (e *RegistrationError) Error() string {
	if e.Subscriber == "" {
		return fmt.Sprintf("registration rejected: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("registration rejected for %s: %s: %v", e.Subscriber, e.Reason, e.Cause)
}

func (e *RegistrationError) Unwrap() error { return e.Cause }

// UpdateCallbackError reports a failure raised inside a subscriber callback.
type UpdateCallbackError struct {
	Subscriber string
	Operation  string // update, refresh, populate, reset
	Panicked   bool
	Cause      error
}

// NewUpdateCallbackError creates an UpdateCallbackError.
func NewUpdateCallbackError(subscriber, operation string, panicked bool, cause error) *UpdateCallbackError {
	return &UpdateCallbackError{
		Subscriber: subscriber,
		Operation:  operation,
		Panicked:   panicked,
		Cause:      cause,
	}
}

func (e *UpdateCallbackError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("%s callback of %s panicked: %v", e.Operation, e.Subscriber, e.Cause)
	}
	return fmt.Sprintf("%s callback of %s failed: %v", e.Operation, e.Subscriber, e.Cause)
}

func (e *UpdateCallbackError) Unwrap() error { return e.Cause }

// FingerprintError reports a column whose values could not be summarised.
// The column is fingerprinted as opaque, which always diffs as changed.
type FingerprintError struct {
	Column string
	Row    int
	Value  interface{}
}

func (e *FingerprintError) Error() string {
	return fmt.Sprintf("column %q: unsupported value of type %T at row %d", e.Column, e.Value, e.Row)
}
