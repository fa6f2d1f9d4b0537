// Package apperr defines the error kinds reported across component
// boundaries. Collaborator and storage errors are converted into one of
// these kinds before they reach the chat transport.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that carry no kind.
	KindUnknown Kind = iota
	// KindValidation is a bad command argument. State is unchanged.
	KindValidation
	// KindAuthentication is a shared-secret mismatch. State is unchanged.
	KindAuthentication
	// KindNotAllowed is an operation attempted in the wrong session state.
	KindNotAllowed
	// KindBackendUnavailable covers generation, transcription and image
	// synthesis failures of any sort.
	KindBackendUnavailable
	// KindTimeout is a backend that exceeded its deadline.
	KindTimeout
	// KindPersistence is a store read or write failure.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotAllowed:
		return "not_allowed"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindTimeout:
		return "timeout"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a kinded error with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the outermost kinded error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromBackend converts a collaborator error. Deadlines, in the context or
// on the network, become KindTimeout. Anything else becomes
// KindBackendUnavailable. Errors that already carry a kind pass through.
func FromBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Wrap(KindTimeout, op, err)
	}
	return Wrap(KindBackendUnavailable, op, err)
}
