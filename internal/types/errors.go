package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for the request surface and for retry policy.
// The set is closed; external representations map 1:1 onto these values.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindUnauthenticated   Kind = "unauthenticated"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindPrecondition      Kind = "precondition"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTransient         Kind = "transient"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal"
)

// Error is a kinded error. The storage layer annotates it with the offending
// entity so callers can report precisely what failed.
type Error struct {
	Kind   Kind
	Entity ItemKind // optional
	ID     int64    // optional
	Msg    string
	Err    error // wrapped cause, optional
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Entity != "" {
		if e.ID != 0 {
			s = fmt.Sprintf("%s: %s %d", s, e.Entity, e.ID)
		} else {
			s = fmt.Sprintf("%s: %s", s, e.Entity)
		}
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind, preserving the cause for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFound is shorthand for the common entity-not-found case.
func NotFound(entity ItemKind, id int64) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id}
}

// Conflict is shorthand for a name-clash or concurrent-update collision.
func Conflict(entity ItemKind, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, walking the wrap chain. Context
// cancellation classifies as Cancelled, deadline expiry as Timeout; errors
// that carry no kind classify as Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error class permits automatic retry.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindResourceExhausted
}
