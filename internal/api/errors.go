package api

import (
	"errors"
	"fmt"
)

// Kind classifies a failed backend interaction.
type Kind int

const (
	// KindTransport covers network failures, timeouts and 5xx responses.
	KindTransport Kind = iota + 1
	// KindNotFound means the requested resource does not exist.
	KindNotFound
	// KindConflict means the request collides with existing state.
	KindConflict
	// KindValidation means the input was rejected as malformed or incomplete.
	KindValidation
	// KindRejected covers every other refusal (success:false, 401, 403, ...).
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every Client call.
type Error struct {
	Op      string // e.g. "session status"
	Kind    Kind
	Status  int    // HTTP status, 0 when no response was received
	Message string // backend error text or a local description
	Err     error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("api: %s: %s (status %d)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("api: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a local validation error. Validation errors are raised
// before any request is made.
func Validation(op, msg string) error {
	return &Error{Op: op, Kind: KindValidation, Message: msg}
}

// Conflict returns a local conflict error.
func Conflict(op, msg string) error {
	return &Error{Op: op, Kind: KindConflict, Message: msg}
}

// KindOf returns the Kind of err, or 0 if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNotFound reports whether err signals absence.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransport reports whether err is a network or server failure.
func IsTransport(err error) bool { return KindOf(err) == KindTransport }

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// MessageOf returns the backend-provided message of err, or err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
