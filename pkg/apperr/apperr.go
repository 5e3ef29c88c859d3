// Package apperr is the error taxonomy shared by the order, notification and
// messaging services. Every error returned across a service boundary carries
// a Kind so the HTTP layer can map it without string matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindConflict      Kind = "conflict"
	KindTransient     Kind = "transient"
	KindUnknown       Kind = "unknown"
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can write errors.Is(err, apperr.ErrConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrTransient     = &Error{Kind: KindTransient}
)

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(op, format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a store failure. Callers may retry the whole request.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Msg: "store unavailable", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the caller-facing text of err without the op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
