package transport

import "fmt"

// Code mirrors connect's structured RPC status codes. A handler error that
// is a *Error keeps its Code on the wire; any other error (a *errs.Error
// included) reaches the remote caller as CodeInternal with its full
// Error() text.
type Code uint8

const (
	CodeOK Code = iota
	CodeNotFound
	CodeAlreadyExists
	CodeResourceExhausted // NoCapacity
	CodeUnavailable
	CodeFailedPrecondition // NotLeader
	CodeInternal
	CodeDeadlineExceeded
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeResourceExhausted:
		return "resource_exhausted"
	case CodeUnavailable:
		return "unavailable"
	case CodeFailedPrecondition:
		return "failed_precondition"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "internal"
	}
}

// Error is the wire-level error returned by a remote call.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Code.String() + ": " + e.Message }

// NewError constructs a wire Error with the given code and a formatted
// message. This package does not import internal/core/errs and does not map
// its kinds onto codes.
func NewError(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}
