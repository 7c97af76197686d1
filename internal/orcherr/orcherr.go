// Package orcherr classifies errors raised anywhere in the download core
// into the kinds RetryPolicy acts on, instead of matching error strings.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy RetryPolicy and the Orchestrator switch on.
type Kind int

const (
	// Unknown errors are treated as Transient by classifiers that don't
	// recognize them, rather than silently dead-lettering on a type we
	// forgot to wrap.
	Unknown Kind = iota
	// Transient is worth retrying immediately with backoff: a reset
	// connection, a timeout, a 5xx.
	Transient
	// RecoveryFailure means the PartFile or Journal state could not be
	// reconciled on this attempt (e.g. disk full) but the intent itself
	// is still salvageable.
	RecoveryFailure
	// Permanent means retrying will not help: a 404, an unsupported
	// redirect, a malformed URL.
	Permanent
	// Poisoned means the intent has exhausted its retry budget and
	// belongs in the dead-letter namespace.
	Poisoned
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RecoveryFailure:
		return "recovery_failure"
	case Permanent:
		return "permanent"
	case Poisoned:
		return "poisoned"
	default:
		return "unknown"
	}
}

// Error wraps a cause with a Kind, compatible with errors.Is/As/Unwrap.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap attaches a Kind to cause. Wrapping nil returns nil.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// Wrapf is Wrap over a cause built from a format string and its args.
func Wrapf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking its Unwrap chain. An error
// with no *Error in its chain classifies as Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind somewhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
