package order

import (
	"fmt"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Status is a position in the order lifecycle.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProcessing    Status = "PROCESSING"
	StatusPaid          Status = "PAID"
	StatusShipped       Status = "SHIPPED"
	StatusDelivered     Status = "DELIVERED"
	StatusCancelled     Status = "CANCELLED"
	StatusPaymentFailed Status = "PAYMENT_FAILED"
	StatusRefunded      Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusPaid, StatusCancelled, StatusPaymentFailed, StatusRefunded},
	StatusProcessing: {StatusShipped, StatusCancelled, StatusRefunded},
	StatusPaid:       {StatusShipped, StatusRefunded},
	StatusShipped:    {StatusDelivered, StatusRefunded},
	StatusDelivered:  {StatusRefunded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusShipped, StatusDelivered,
		StatusCancelled, StatusPaymentFailed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the lifecycle graph has an edge from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// releasesStock reports whether moving from one status to another returns
// the order's stock. A refund restocks only when nothing has shipped.
func releasesStock(from, to Status) bool {
	switch to {
	case StatusCancelled, StatusPaymentFailed:
		return true
	case StatusRefunded:
		return from == StatusPending || from == StatusProcessing || from == StatusPaid
	default:
		return false
	}
}

// StateTransitionError reports an illegal status change. It is never
// retryable.
type StateTransitionError struct {
	OrderID string
	From    Status
	To      Status
	Reason  string
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *StateTransitionError) Kind() apperr.Kind { return apperr.KindStateTransition }
func (e *StateTransitionError) Retryable() bool   { return false }

// checkTransition validates moving o to next.
func checkTransition(o *Order, next Status) error {
	if !next.Valid() {
		return errInvalid("status", fmt.Sprintf("unknown status %q", next))
	}
	if o.Status == next {
		return &StateTransitionError{OrderID: o.ID, From: o.Status, To: next, Reason: "already in this status"}
	}
	if !o.Status.CanTransition(next) {
		reason := ""
		if next == StatusCancelled && (o.Status == StatusShipped || o.Status == StatusDelivered) {
			reason = "shipped orders can only be refunded"
		}
		return &StateTransitionError{OrderID: o.ID, From: o.Status, To: next, Reason: reason}
	}
	return nil
}

func errInvalid(field, reason string) error {
	return apperr.Invalid(field, reason)
}
