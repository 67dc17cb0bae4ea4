package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator-level failure so callers (the pipeline
// engine, the HTTP facade) can decide whether it's retryable, a guard
// rejection, or an operator-facing configuration mistake.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindGuardRejected Kind = "guard_rejected"
	KindHookFailed    Kind = "hook_failed"
	KindInvalidState  Kind = "invalid_state"
	KindExternal      Kind = "external"
	KindValidation    Kind = "validation"
)

// Error is a Kind-tagged error that wraps an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// NotFound wraps err as a KindNotFound error for op.
func NotFound(op string, err error) *Error { return New(KindNotFound, op, err) }

// GuardRejected wraps err as a KindGuardRejected error for op.
func GuardRejected(op string, err error) *Error { return New(KindGuardRejected, op, err) }

// HookFailed wraps err as a KindHookFailed error for op.
func HookFailed(op string, err error) *Error { return New(KindHookFailed, op, err) }
