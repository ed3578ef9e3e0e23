package apperror

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure along the upload → removal → result pipeline.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindTransport       Kind = "transport"
	KindProviderRefusal Kind = "provider_refusal"
	KindMalformed       Kind = "malformed_response"
	KindTimeout         Kind = "timeout"
	KindConfiguration   Kind = "configuration"
	KindRateLimited     Kind = "rate_limited"
	KindInternal        Kind = "internal"
)

// Error is a user-facing failure. Message is safe to show; Details carries
// diagnostic text such as a provider refusal.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches kind and message to err. An err that already carries an
// *Error is returned unchanged so the innermost classification wins.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// KindOf reports the kind of the first *Error in the chain. Deadline
// expiry without a typed error is reported as KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind checks whether the error chain is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-facing message for err, or fallback when err
// carries none.
func Message(err error, fallback string) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}
	return fallback
}
