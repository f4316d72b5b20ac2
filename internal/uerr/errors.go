// Package uerr defines the fatal error kinds and the two recovered
// conditions from spec.md §7, wrapped with github.com/pkg/errors so
// callers can attach component/function context the way the original
// C sources attach a syslog prefix, while still supporting
// errors.Is/errors.As against a Kind.
package uerr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error for the driver's exit-code decision.
type Kind int

const (
	// InvalidSnapshot: malformed snapshot file.
	InvalidSnapshot Kind = iota
	// PrefixIO: syscall failure on the prefix or snapshots directory.
	PrefixIO
	// SchemeError: unknown URI scheme, malformed URI, transport or
	// extraction failure.
	SchemeError
	// LifecycleFailure: a spawned clean/setup terminated by signal or
	// exited non-zero.
	LifecycleFailure
	// AllocationFailure: memory exhaustion.
	AllocationFailure
	// NotFound: a symlink lookup returned ENOENT. Recovered by callers
	// that expect a possibly-absent geist (see internal/check).
	NotFound
	// Interrupted: the termination flag was observed at a safe point.
	// The driver treats this as success.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case InvalidSnapshot:
		return "InvalidSnapshot"
	case PrefixIO:
		return "PrefixIO"
	case SchemeError:
		return "SchemeError"
	case LifecycleFailure:
		return "LifecycleFailure"
	case AllocationFailure:
		return "AllocationFailure"
	case NotFound:
		return "NotFound"
	case Interrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// kindError carries a Kind alongside the wrapped cause so errors.As
// can recover it.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error {
	return e.cause
}

// New wraps cause (which may be nil) with kind and a formatted
// component/function context message, mirroring the original's
// "function: context: %m" syslog lines.
func New(kind Kind, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = pkgerrors.Wrap(cause, msg)
	} else {
		wrapped = pkgerrors.New(msg)
	}
	return &kindError{kind: kind, cause: wrapped}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// KindOf extracts the Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

// Fatal reports whether kind should terminate the current run per
// spec.md §7 (every kind except NotFound and Interrupted, which are
// recovered by their respective callers).
func (k Kind) Fatal() bool {
	return k != NotFound && k != Interrupted
}

// Interrupt is the sentinel error a long loop returns the moment it
// observes the termination flag set at one of its safe points
// (apply/annul's newgeister iteration, apply's cleanup readdir loop,
// a fetch scheme's package loop). Callers distinguish it from a
// completed loop with Is(err, Interrupted) and stop without any
// further mutation, the same way the original's apply_new_geister and
// annul_new_geister call exit(EXIT_SUCCESS) right after their loop
// instead of falling through to apply_pending.
func Interrupt() error {
	return New(Interrupted, nil, "terminated at a safe point")
}
