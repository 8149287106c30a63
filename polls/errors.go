package polls

import (
	"errors"
	"fmt"

	"github.com/computersciencehouse/rankit/database"
)

type Kind string

const (
	KindBadRequest   Kind = "BadRequest"
	KindUnauthorized Kind = "Unauthorized"
	KindNotFound     Kind = "NotFound"
	KindInvalidState Kind = "InvalidState"
	KindUnknown      Kind = "Unknown"
)

// Error is a failure that is reported back to the caller that caused it.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func BadRequest(format string, args ...interface{}) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(format string, args ...interface{}) error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...interface{}) error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Store failures other than a missing poll are
// Unknown, so their detail is not echoed to clients.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, database.ErrNotFound):
		return KindNotFound
	case errors.Is(err, database.ErrInvalidPath):
		return KindBadRequest
	}
	return KindUnknown
}

// Message returns the text that is safe to show to the caller for err.
func Message(err error) string {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e.Message
	case errors.Is(err, database.ErrNotFound):
		return "poll not found"
	case errors.Is(err, database.ErrInvalidPath):
		return "invalid identifier"
	}
	return "internal error"
}
