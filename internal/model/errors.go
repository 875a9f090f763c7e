package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies every failure that crosses an adapter or store boundary
type Kind string

const (
	KindValidation       Kind = "validation"
	KindDeliveryFailed   Kind = "delivery_failed"
	KindInvalidCode      Kind = "invalid_code"
	KindExpiredCode      Kind = "expired_code"
	KindNetwork          Kind = "network_error"
	KindUnauthorized     Kind = "unauthorized"
	KindTokenExpired     Kind = "token_expired"
	KindProviderRejected Kind = "provider_rejected"
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindInvalidCode}) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// NewError builds a classified error
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError classifies err under kind
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify returns err as a *Error, classifying unknown errors.
// Transport failures become network_error, anything else provider_rejected.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: guessKind(err), Op: op, Err: err}
}

// KindOf returns the classification of err, or "" for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return guessKind(err)
}

func guessKind(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindProviderRejected
}

// IsCorrectable reports failures the user can fix inline on the active step
func IsCorrectable(err error) bool {
	switch KindOf(err) {
	case KindInvalidCode, KindExpiredCode, KindValidation:
		return true
	}
	return false
}

// IsRetryable reports transient failures that the same action may retry
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// IsAuthRejection reports that the server rejected the presented credentials
func IsAuthRejection(err error) bool {
	switch KindOf(err) {
	case KindUnauthorized, KindTokenExpired:
		return true
	}
	return false
}

// Validationf builds a validation error that never reached the network
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}
