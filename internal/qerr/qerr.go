// Package qerr defines the failure taxonomy of the query generation pipeline.
package qerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindCompile      Kind = "compile"
	KindSyntax       Kind = "syntax"
	KindSchema       Kind = "schema"
	KindConnection   Kind = "connection"
	KindPolicyDenied Kind = "policy_denied"
	KindNoMatch      Kind = "no_match"
	KindProvider     Kind = "provider"
	KindInternal     Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Message returns the user-facing text of err without the cause chain.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Retryable reports whether the correction loop may attempt to repair a
// failure of this kind.
func Retryable(kind Kind) bool {
	switch kind {
	case KindSyntax, KindSchema:
		return true
	default:
		return false
	}
}
