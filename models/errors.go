package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the claim and contribution operations.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindNotFound
	KindConflict
	KindAuthorization
	KindValidation
	KindExternalService
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindExternalService:
		return "external_service"
	default:
		return "internal"
	}
}

// Error carries a kind plus the operation that produced it. Two errors match
// under errors.Is when their kinds match, so callers can test against the
// sentinels below without caring about the message.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrUnauthorized    = &Error{Kind: KindAuthorization}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrExternalService = &Error{Kind: KindExternalService}
)

func newError(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return newError(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) error {
	return newError(KindConflict, op, format, args...)
}

func Unauthorized(op, format string, args ...any) error {
	return newError(KindAuthorization, op, format, args...)
}

func Invalid(op, format string, args ...any) error {
	return newError(KindValidation, op, format, args...)
}

// ExternalService wraps an upstream failure. These are always retryable.
func ExternalService(op string, err error) error {
	return &Error{Kind: KindExternalService, Op: op, Msg: "upstream unavailable", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the same request later.
func IsRetryable(err error) bool {
	return KindOf(err) == KindExternalService
}
