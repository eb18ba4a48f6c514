package retry

import (
	"errors"
	"fmt"
)

// Class categorizes a step failure for retry decisions and observability.
type Class string

const (
	// ClassTransient marks network errors, 5xx responses, and timeouts of a
	// single call. Transient failures retry up to the policy budget.
	ClassTransient Class = "transient"

	// ClassValidation marks bad or missing input. Never retried.
	ClassValidation Class = "validation"

	// ClassProviderTerminal marks a permanent failure reported by an external
	// provider (invalid credentials, rejected content). Never retried.
	ClassProviderTerminal Class = "provider_terminal"

	// ClassTimeout marks an exhausted poll budget. Never retried; kept as a
	// distinct class so operators can tell stuck work from broken work.
	ClassTimeout Class = "timeout"
)

// Retriable reports whether failures of this class should be retried.
func (c Class) Retriable() bool {
	return c == ClassTransient
}

// String returns the class name.
func (c Class) String() string {
	return string(c)
}

// Error attaches a Class to an underlying error. Step functions classify
// their own failures so the scheduler can decide retry vs. terminal without
// parsing error strings.
type Error struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retriable transient failure.
func Transient(err error) error {
	return &Error{Class: ClassTransient, Err: err}
}

// Validation wraps err as a terminal validation failure.
func Validation(err error) error {
	return &Error{Class: ClassValidation, Err: err}
}

// ProviderTerminal wraps err as a terminal provider failure.
func ProviderTerminal(err error) error {
	return &Error{Class: ClassProviderTerminal, Err: err}
}

// Timeout wraps err as a terminal poll-budget failure.
func Timeout(err error) error {
	return &Error{Class: ClassTimeout, Err: err}
}

// ClassOf returns the classification of err. Unclassified errors are treated
// as transient: an unknown failure is assumed to be worth another try.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}
