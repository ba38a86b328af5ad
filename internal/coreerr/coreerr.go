// Package coreerr defines the uniform error-kind taxonomy shared by every
// component: Key Store, Known-Hosts Store, SSH Transport, Shell, SFTP,
// Port Forwarder, Variable Store, Rule Engine, Action Dispatcher and the
// Persistence Arbiter all classify failures through this package instead
// of inventing per-package sentinel errors.
package coreerr

import (
	"github.com/gravitational/trace"
)

// Kind is one of the uniform error kinds from the specification.
type Kind string

const (
	InvalidArgument Kind = "invalid_argument"
	InvalidState    Kind = "invalid_state"
	NotFound        Kind = "not_found"
	AlreadyExists   Kind = "already_exists"
	OutOfMemory     Kind = "out_of_memory"
	IOError         Kind = "io_error"
	Timeout         Kind = "timeout"
	Aborted         Kind = "aborted"
	AuthFailed      Kind = "auth_failed"
	TrustMismatch   Kind = "trust_mismatch"
	Unsupported     Kind = "unsupported"
	ParseError      Kind = "parse_error"
	Exhausted       Kind = "exhausted"
	Internal        Kind = "internal"
)

// kindError pairs a Kind with a wrapped cause so it composes with trace's
// own wrapping and debug reports.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return string(e.kind)
	}
	return string(e.kind) + ": " + e.err.Error()
}

func (e *kindError) Unwrap() error { return e.err }

// New builds a Kind-tagged error, wrapped through trace so callers get
// stack traces the same way the rest of the module does.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: trace.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving the original as the
// cause (trace.Wrap semantics: unwrap still reaches the root cause).
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: trace.Wrap(err)}
}

// Is reports whether err (or anything it wraps) was tagged with kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			if ke.kind == kind {
				return true
			}
			err = ke.err
			continue
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// KindOf extracts the Kind tagged on err, if any.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = unwrapper.Unwrap()
	}
	return "", false
}
