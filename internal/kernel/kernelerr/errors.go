// Package kernelerr defines the coordination kernel's error taxonomy.
// Every error the kernel returns to a caller is a *Error carrying one
// of the Kind values below, so callers can branch on taxonomy with
// errors.As instead of string-matching messages.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind classifies a kernel error. See spec §7 for the full taxonomy
// and which kinds are retryable.
type Kind string

const (
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	NoHandler         Kind = "no_handler"
	SessionBusy       Kind = "session_busy"
	SessionEnded      Kind = "session_ended"
	MeetingEnded      Kind = "meeting_ended"
	NotYourTurn       Kind = "not_your_turn"
	Timeout           Kind = "timeout"
	SessionLockConflict Kind = "session_lock_conflict"
	Shutdown          Kind = "shutdown"
	StoreUnavailable  Kind = "store_unavailable"
	StoreError        Kind = "store_error"
	ValidationError   Kind = "validation_error"
)

// Error is the concrete error type returned by every kernel operation
// that fails. Op names the failing operation (e.g. "send_and_wait") for
// logging; Err, when set, wraps the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds a *Error wrapping cause under the given kind.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind == kind
	}
	return false
}
