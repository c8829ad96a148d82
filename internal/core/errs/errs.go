// Package errs defines the error taxonomy shared by every shardmesh
// component: the six kinds callers across the cluster need to distinguish.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on it with errors.As,
// without parsing message text.
type Kind int

const (
	// KindInternal is the zero value: a bug-class or unexpected failure.
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindNoCapacity
	KindUnavailable
	KindNotLeader
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindNoCapacity:
		return "no_capacity"
	case KindUnavailable:
		return "unavailable"
	case KindNotLeader:
		return "not_leader"
	default:
		return "internal"
	}
}

// Error is the single error type produced by shardmesh components.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind, allowing errors.Is(err, errs.New(KindNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, chaining cause via %w.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error      { return New(KindNotFound, format, args...) }
func AlreadyExists(format string, args ...any) *Error { return New(KindAlreadyExists, format, args...) }
func NoCapacity(format string, args ...any) *Error     { return New(KindNoCapacity, format, args...) }
func Unavailable(format string, args ...any) *Error    { return New(KindUnavailable, format, args...) }
func NotLeader(format string, args ...any) *Error      { return New(KindNotLeader, format, args...) }
func Internal(format string, args ...any) *Error       { return New(KindInternal, format, args...) }

// Of reports whether err (or something it wraps) is a shardmesh Error of
// the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not a *Error (or is nil, which reports KindInternal — callers must check
// err != nil first).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
