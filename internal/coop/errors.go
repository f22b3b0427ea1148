package coop

import (
	"database/sql"
	"errors"
	"fmt"

	"coopcycle/internal/lifecycle"
)

// Kind classifies service errors. Kinds are comparable with errors.Is.
type Kind string

const (
	NotFound         Kind = "not_found"
	InvalidState     Kind = "invalid_state"
	CapacityExceeded Kind = "capacity_exceeded"
	AlreadySettled   Kind = "already_settled"
	ValidationError  Kind = "validation_error"
)

func (k Kind) Error() string { return string(k) }

// ErrCycleNotClosed is returned by settlement operations on open cycles.
var ErrCycleNotClosed = &Error{Kind: InvalidState, Msg: "cycle is not closed"}

// Error is the error type returned by Service.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
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

// Is matches a Kind or another *Error with the same kind and message.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Msg == "" || e.Msg == t.Msg)
	}
	return false
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not a service error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classify maps store and lifecycle errors onto service kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			c := *e
			c.Op = op
			return &c
		}
		return err
	}
	var se *lifecycle.StateError
	if errors.As(err, &se) {
		if se.Op == lifecycle.OpSettle {
			return &Error{Kind: InvalidState, Op: op, Msg: ErrCycleNotClosed.Msg, Err: err}
		}
		return &Error{Kind: InvalidState, Op: op, Err: err}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Kind: NotFound, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
