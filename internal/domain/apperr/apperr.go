// Package apperr defines the error taxonomy shared by the checkout domain.
//
// Component errors carry a Kind so that transports can map them to a stable
// code without knowing every concrete type. Errors that are safe to retry
// report it through Retryable.
package apperr

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

// Kind is a stable, user-visible error code.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientStock Kind = "insufficient_stock"
	KindCouponInvalid     Kind = "coupon_invalid"
	KindAllocation        Kind = "allocation"
	KindTransient         Kind = "transient"
	KindStateTransition   Kind = "state_transition"
	KindPaymentCallback   Kind = "payment_callback"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal"
)

// Kinded is implemented by errors that belong to the taxonomy.
type Kinded interface {
	Kind() Kind
}

// retryable is implemented by errors that know whether a retry can succeed.
type retryable interface {
	Retryable() bool
}

type sentinel struct {
	kind Kind
	msg  string
}

func (e *sentinel) Error() string { return e.msg }
func (e *sentinel) Kind() Kind    { return e.kind }

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound error = &sentinel{kind: KindNotFound, msg: "not found"}
	// ErrForbidden is returned when the requester may not access a record.
	ErrForbidden error = &sentinel{kind: KindForbidden, msg: "forbidden"}
	// ErrUnauthorized is returned when the requester is not authenticated.
	ErrUnauthorized error = &sentinel{kind: KindUnauthorized, msg: "unauthorized"}
)

// KindOf returns the Kind of the first error in the chain that has one, or
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// Retryable reports whether the failed operation may succeed when retried.
func Retryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	switch KindOf(err) {
	case KindTransient, KindAllocation:
		return true
	default:
		return false
	}
}

// ValidationError reports malformed input. No side effects have happened
// when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

// Invalid creates a ValidationError for the given field.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// TransientError reports a storage timeout or temporary unavailability.
type TransientError struct {
	Op  string
	Err error
}

// Transient wraps err as a TransientError for operation op.
func Transient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Kind() Kind      { return KindTransient }
func (e *TransientError) Retryable() bool { return true }

// PaymentCallbackError reports a malformed or unverifiable payment webhook.
// Such callbacks are rejected and never applied to order state.
type PaymentCallbackError struct {
	Reason string
	Err    error
}

func (e *PaymentCallbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment callback rejected: %s: %v", e.Reason, e.Err)
	}
	return "payment callback rejected: " + e.Reason
}

func (e *PaymentCallbackError) Unwrap() error { return e.Err }
func (e *PaymentCallbackError) Kind() Kind    { return KindPaymentCallback }
