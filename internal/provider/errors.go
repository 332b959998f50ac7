package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures so the orchestrator and queue can react.
type ErrorKind string

const (
	ErrAuth         ErrorKind = "AUTH_ERROR"
	ErrRateLimited  ErrorKind = "RATE_LIMITED"
	ErrStateExpired ErrorKind = "STATE_EXPIRED"
	ErrNetwork      ErrorKind = "NETWORK_ERROR"
	ErrParse        ErrorKind = "PARSE_ERROR"
	ErrNotFound     ErrorKind = "NOT_FOUND"
	ErrUnsupported  ErrorKind = "UNSUPPORTED"
)

// Error is a classified provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	// ObjectType is the cursor object type for ErrStateExpired.
	ObjectType string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Op
	if e.ObjectType != "" {
		msg += " (" + e.ObjectType + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// StateExpired reports that the cursor of objectType can no longer be used.
func StateExpired(op, objectType string, err error) *Error {
	return &Error{Kind: ErrStateExpired, Op: op, ObjectType: objectType, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsStateExpired returns the expired object type when err is a STATE_EXPIRED error.
func IsStateExpired(err error) (string, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == ErrStateExpired {
		return pe.ObjectType, true
	}
	return "", false
}

// IsRetryable reports whether a later attempt may succeed without user action.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrAuth, ErrParse, ErrNotFound, ErrUnsupported:
		return false
	}
	return true
}
