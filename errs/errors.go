// Package errs defines the error taxonomy shared by the ledger, store,
// provisioning and chat layers.
//
// Callers should branch on Kind rather than matching error strings. Use
// errors.As to extract *Error for structured handling.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	// KindValidation marks malformed identifiers or payloads, detected before network I/O.
	KindValidation Kind = "Validation"
	// KindNetwork marks transport failures reaching the ledger or the store.
	KindNetwork Kind = "Network"
	// KindRejected marks a structured rejection returned by a ledger node.
	KindRejected Kind = "Rejected"
	// KindNotFound marks a content identifier that could not be resolved.
	KindNotFound Kind = "NotFound"
	// KindSigning marks a signer failure, including a delegated signer refusing.
	KindSigning Kind = "Signing"
	// KindPartial marks a multi-step operation that stopped part way through.
	KindPartial Kind = "Partial"
)

// Error is the structured error type.
//
// Op names the failing operation (e.g. "store.get", "ledger.push_transaction").
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf exposes the kind to interfaces that do not know about *Error.
func (e *Error) KindOf() Kind { return e.Kind }

// New returns a structured error without a cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to cause. A nil cause yields a plain New.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return New(kind, op, "unknown error")
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Wrapf attaches a kind and a message to cause.
func Wrapf(kind Kind, op string, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

type kinded interface {
	KindOf() Kind
}

// KindOf reports the outermost kind carried by err, or "" if none.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.KindOf()
	}
	return ""
}

// IsKind reports whether err is (or wraps) an error with the given Kind.
// Joined errors match when any of their members does.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	if k, ok := err.(kinded); ok && k.KindOf() == kind {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsKind(u.Unwrap(), kind)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if IsKind(e, kind) {
				return true
			}
		}
	}
	return false
}

// AlreadyExists is implemented by errors that can classify themselves as
// "the object being created already exists".
type AlreadyExists interface {
	AlreadyExists() bool
}

// IsAlreadyExists reports whether any error in err's chain classifies itself
// as an already-exists failure.
func IsAlreadyExists(err error) bool {
	var ae AlreadyExists
	if errors.As(err, &ae) {
		return ae.AlreadyExists()
	}
	return false
}
