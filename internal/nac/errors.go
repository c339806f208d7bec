package nac

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by a Client unwraps to exactly one of
// these, so callers classify with errors.Is.
var (
	// ErrUnreachable covers network failures, timeouts and transient
	// upstream unavailability. It is the only kind worth retrying.
	ErrUnreachable = errors.New("nac: upstream unreachable")

	// ErrUnauthorized is a credential or permission failure.
	ErrUnauthorized = errors.New("nac: unauthorized")

	// ErrInvalidRequest means the upstream refused the request shape.
	ErrInvalidRequest = errors.New("nac: invalid request")

	// ErrRejected is a defined upstream error that will not go away on retry.
	ErrRejected = errors.New("nac: upstream rejected request")
)

// ErrNoLocationFix is returned by QueryLocation when the network has no
// precise position for the device. It is not a failure of the call.
var ErrNoLocationFix = errors.New("nac: no precise location fix")

// Error describes a failed upstream call
type Error struct {
	Op         Operation
	Kind       error
	StatusCode int    // HTTP status, 0 when no response was received
	Detail     string // upstream-provided message, if any
	Err        error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindName returns a short label for the error kind, used in logs, metrics
// and API responses. Errors from outside this package yield "error".
func KindName(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrNoLocationFix):
		return "no_fix"
	default:
		return "error"
	}
}

// IsUpstream reports whether err carries one of the upstream error kinds
func IsUpstream(err error) bool {
	return errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrRejected)
}
