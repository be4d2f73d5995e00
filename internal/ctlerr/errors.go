// Package ctlerr defines the error-kind taxonomy shared across the ALD
// control plane terminals (spec §7).
//
// Errors for control flow (a broken socket, an out-of-range write, a
// cancelled task) are ordinary values wrapped in a Error, never panics
// or string-matched exceptions — except at the one boundary where a
// foreign library only gives us a string (the Modbus broken-pipe
// family), where a string-match fallback is kept deliberately.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry policy, audit-row
// population, and supervisor exit behavior.
type Kind int

const (
	// Transport is a socket-level PLC failure, including the broken-pipe
	// family. Retried locally by the PLC Communicator; surfaced after
	// retries are exhausted.
	Transport Kind = iota

	// Protocol is a Modbus exception response (illegal address, illegal
	// data value). Not retried.
	Protocol

	// NotConfigured means a parameter is missing a required address.
	// Not retried.
	NotConfigured

	// OutOfRange means a value violates the parameter's min/max bounds.
	// Not retried; surfaced to the caller.
	OutOfRange

	// VerifyFailed means a read-back did not match the written value
	// within tolerance. Not retried automatically.
	VerifyFailed

	// StoreUnavailable means a store call failed after retries; triggers
	// the DLQ spill path.
	StoreUnavailable

	// Cancelled marks a clean unwind from task cancellation.
	Cancelled

	// Blocked means a valve lock request found an unexpired lock held by
	// someone else (§4.I). Not retried automatically; the caller decides
	// whether to retry the step or fail it.
	Blocked

	// Fatal marks an invariant violation. The supervisor translates this
	// into a non-zero exit after logging.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "Transport"
	case Protocol:
		return "Protocol"
	case NotConfigured:
		return "NotConfigured"
	case OutOfRange:
		return "OutOfRange"
	case VerifyFailed:
		return "VerifyFailed"
	case StoreUnavailable:
		return "StoreUnavailable"
	case Cancelled:
		return "Cancelled"
	case Blocked:
		return "Blocked"
	case Fatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the concrete error type carrying a Kind plus the underlying
// cause. Wrap with %w or errors.As to recover the Kind at any call site.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "read_holding", "write_coil"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Fatal if err does not
// wrap a *Error — an untyped error reaching this far is itself a bug.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Fatal
}
