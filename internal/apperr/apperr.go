// Package apperr defines the typed error kinds shared across the
// credential store, resolver, adapter manager, and pipeline. Callers use
// errors.Is/errors.As against the sentinel Kind values to decide HTTP status
// codes or retry behavior without string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a failure.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindValidation Kind = "validation"
	KindAdapter    Kind = "adapter"
	KindCrypto     Kind = "crypto"
	KindRateLimit  Kind = "rate_limit"
)

// Error is a typed application error. Two Errors are errors.Is-equal when
// their Kind matches, regardless of message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, apperr.New(apperr.KindNotFound, "")) works as a kind check.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

var (
	ErrAuth       = New(KindAuth, "auth")
	ErrNotFound   = New(KindNotFound, "not found")
	ErrForbidden  = New(KindForbidden, "forbidden")
	ErrConflict   = New(KindConflict, "conflict")
	ErrValidation = New(KindValidation, "validation")
	ErrAdapter    = New(KindAdapter, "adapter")
	ErrCrypto     = New(KindCrypto, "crypto")
	ErrRateLimit  = New(KindRateLimit, "rate limit")
)
