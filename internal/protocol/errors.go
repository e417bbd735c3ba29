package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Error codes sent in ERROR envelopes.
const (
	CodeParseError           = "parse_error"
	CodeUnknownEvent         = "unknown_event"
	CodeAuthRequired         = "auth_required"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeInvalidPayload       = "invalid_payload"
	CodeForbidden            = "forbidden"
	CodeNotFound             = "not_found"
	CodeRateLimited          = "rate_limited"
	CodeUnavailable          = "unavailable"
	CodeInternal             = "internal"
)

// Error is a client-visible failure. Handlers return it to have the
// dispatcher answer with an ERROR envelope carrying Code and Message.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a dependency failure. The cause is kept for logs but not
// sent to the client.
func Unavailable(cause error) *Error {
	return &Error{Code: CodeUnavailable, Message: "service temporarily unavailable", cause: cause}
}

// AsError maps any error to the *Error sent to the client.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable(err)
	}
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}
