// Package coreerrors defines the error kinds shared across the embedding
// store, job queue, training worker and presence engine, per the
// propagation policy: callers distinguish terminal domain failures from
// retryable transient ones with errors.Is/errors.As rather than string
// matching.
package coreerrors

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Kind is one of the error kinds named by the component design.
type Kind string

const (
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	Validation        Kind = "validation"
	Transient         Kind = "transient"
	ResourceExhausted Kind = "resource_exhausted"
	Domain            Kind = "domain"
)

// Error wraps an underlying cause with a Kind the caller can switch on.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an existing error, following the
// teacher's fmt.Errorf("...: %w", err) convention but keeping the kind
// matchable.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Transient for unclassified
// errors, matching the HTTP surface's "everything else as 500" policy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
