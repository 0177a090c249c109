package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for status mapping and recovery policy.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindNotFound
	KindConfiguration
	KindCredential
	KindProvider
	KindToolConnection
	KindPersistence
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConfiguration:
		return "configuration"
	case KindCredential:
		return "credential"
	case KindProvider:
		return "provider"
	case KindToolConnection:
		return "tool_connection"
	case KindPersistence:
		return "persistence"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindConfiguration:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an underlying error with a user-facing reason.
//
// Reason is meant to be short and actionable; Err may contain technical details.
// When Err is nil, Error() falls back to Reason.
type Error struct {
	Kind   Kind
	Err    error
	Reason string
}

// New creates an Error of the given kind whose reason is also its message.
func New(kind Kind, reason string) Error {
	return Error{Kind: kind, Reason: reason}
}

// Newf is New with a formatted reason.
func Newf(kind Kind, format string, a ...any) Error {
	return Error{Kind: kind, Reason: fmt.Sprintf(format, a...)}
}

// As creates an Error of the given kind wrapping err.
func As(kind Kind, err error, reason string) Error {
	return Error{Kind: kind, Err: err, Reason: reason}
}

func (e Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Reason
}

func (e Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e Error
	return errors.As(err, &e) && e.Kind == kind
}

// Status returns the HTTP status for err.
func Status(err error) int {
	return KindOf(err).Status()
}

// Message returns the text safe to show a caller: the reason when one is set,
// the error text otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Unknown error"
}
