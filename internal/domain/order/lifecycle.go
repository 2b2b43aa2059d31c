package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/pkg/retry"
)

// casAttempts bounds how often a transition re-reads the order after losing
// a concurrent status update.
const casAttempts = 5

// DefaultListLimit is used when a listing does not ask for a page size.
const DefaultListLimit = 20

// TrackingInfo is the shipment data supplied with a SHIPPED transition.
type TrackingInfo struct {
	Carrier string
	Number  string
	// ShippedAt defaults to the current time.
	ShippedAt *time.Time
}

// StatusChange is an administrative status update.
type StatusChange struct {
	Status   Status
	Tracking *TrackingInfo
	Reason   string
}

// PaymentOutcome is the result reported by the payment gateway.
type PaymentOutcome string

const (
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
)

// PaymentCallback is a verified payment gateway notification.
type PaymentCallback struct {
	// OrderRef is the order id or the order number.
	OrderRef string
	Outcome  PaymentOutcome
	EventID  string
}

// decision is what a transition wants to do with the current order. A nil
// update means the order is already where it should be.
type decision func(o *Order) (*Update, error)

// GetOrder returns an order visible to the requester.
func (s *Service) GetOrder(ctx context.Context, id string, r auth.Requester) (*Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.CanAccess(o.UserID) {
		return nil, apperr.ErrForbidden
	}
	return o, nil
}

// ListOrders returns the requester's orders, newest first. Administrators
// may list any user's orders.
func (s *Service) ListOrders(ctx context.Context, r auth.Requester, f Filter) ([]Order, error) {
	if !r.IsAdmin() {
		if r.UserID == "" {
			return nil, apperr.ErrUnauthorized
		}
		f.UserID = r.UserID
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, errInvalid("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	f.Limit = min(f.Limit, MaxListLimit)
	f.Offset = max(f.Offset, 0)

	orders, err := s.orders.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// UpdateStatus moves an order along the lifecycle graph. Only administrators
// may call it.
func (s *Service) UpdateStatus(ctx context.Context, id string, r auth.Requester, ch StatusChange) (*Order, error) {
	if !r.IsAdmin() {
		return nil, apperr.ErrForbidden
	}
	if ch.Status == StatusShipped {
		if ch.Tracking == nil || ch.Tracking.Carrier == "" || ch.Tracking.Number == "" {
			return nil, errInvalid("tracking", "carrier and tracking number are required for SHIPPED")
		}
	}

	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, o, func(o *Order) (*Update, error) {
		if err := checkTransition(o, ch.Status); err != nil {
			return nil, err
		}
		u := &Update{Status: ch.Status, At: s.now(), CancelReason: ch.Reason}
		switch ch.Status {
		case StatusShipped:
			shippedAt := u.At
			if ch.Tracking.ShippedAt != nil {
				shippedAt = *ch.Tracking.ShippedAt
			}
			u.Tracking = &Tracking{
				Carrier:   ch.Tracking.Carrier,
				Number:    ch.Tracking.Number,
				ShippedAt: shippedAt,
			}
		case StatusPaid:
			u.PaymentStatus = PaymentPaid
		case StatusPaymentFailed:
			u.PaymentStatus = PaymentFailed
		case StatusRefunded:
			if o.PaymentStatus == PaymentPaid {
				u.PaymentStatus = PaymentRefunded
			}
		}
		return u, nil
	})
}

// CancelOrder cancels an order on behalf of its owner or an administrator.
// Only orders that have not shipped can be cancelled; their stock is
// returned.
func (s *Service) CancelOrder(ctx context.Context, id string, r auth.Requester, reason string) (*Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.CanAccess(o.UserID) {
		return nil, apperr.ErrForbidden
	}
	return s.transition(ctx, o, func(o *Order) (*Update, error) {
		if err := checkTransition(o, StatusCancelled); err != nil {
			return nil, err
		}
		return &Update{Status: StatusCancelled, CancelReason: reason, At: s.now()}, nil
	})
}

// HandlePaymentCallback applies a payment outcome. Repeated delivery of the
// same outcome returns the order unchanged.
func (s *Service) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) (*Order, error) {
	if cb.OrderRef == "" {
		return nil, &apperr.PaymentCallbackError{Reason: "missing order reference"}
	}

	var (
		target  Status
		payment PaymentStatus
	)
	switch cb.Outcome {
	case OutcomeSucceeded:
		target, payment = StatusPaid, PaymentPaid
	case OutcomeFailed:
		target, payment = StatusPaymentFailed, PaymentFailed
	default:
		return nil, &apperr.PaymentCallbackError{Reason: fmt.Sprintf("unknown outcome %q", cb.Outcome)}
	}

	o, err := s.lookupRef(ctx, cb.OrderRef)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, &apperr.PaymentCallbackError{Reason: "unknown order " + cb.OrderRef, Err: err}
		}
		return nil, err
	}

	lg := zctx.From(ctx).With(
		zap.String("order_id", o.ID),
		zap.String("event_id", cb.EventID),
		zap.String("outcome", string(cb.Outcome)),
	)
	updated, err := s.transition(ctx, o, func(o *Order) (*Update, error) {
		if o.PaymentStatus == payment {
			return nil, nil
		}
		if err := checkTransition(o, target); err != nil {
			return nil, err
		}
		return &Update{Status: target, PaymentStatus: payment, At: s.now()}, nil
	})
	if err != nil {
		return nil, err
	}
	lg.Info("Payment callback handled", zap.String("status", string(updated.Status)))
	return updated, nil
}

func (s *Service) lookupRef(ctx context.Context, ref string) (*Order, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return s.load(ctx, ref)
	}
	o, err := s.orders.GetByNumber(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order by number")
	}
	return o, nil
}

func (s *Service) load(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// transition applies decide with compare-and-set on the current status. When
// another writer wins, the order is re-read and decide runs again against
// the new state. Side effects run only for the writer whose update landed.
func (s *Service) transition(ctx context.Context, o *Order, decide decision) (*Order, error) {
	for range casAttempts {
		u, err := decide(o)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return o, nil
		}

		from := o.Status
		updated, err := s.orders.Transition(ctx, o.ID, from, *u)
		if errors.Is(err, ErrStatusConflict) {
			if o, err = s.load(ctx, o.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "transition order")
		}

		s.afterTransition(ctx, from, updated)
		return updated, nil
	}
	return nil, apperr.Transient("transition order", ErrStatusConflict)
}

func (s *Service) afterTransition(ctx context.Context, from Status, o *Order) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o.Status))))
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))
	lg.Info("Order status changed",
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
	)

	if releasesStock(from, o.Status) {
		ctx := context.WithoutCancel(ctx)
		err := retry.Do(ctx, s.retry, apperr.Retryable, func(ctx context.Context) error {
			_, err := s.inventory.Release(ctx, o.ID, o.StockLines())
			return err
		})
		if err != nil {
			lg.Error("Release stock", zap.Error(err))
		}
	}
	if o.Status == StatusShipped {
		s.notify(ctx, EventOrderShipped, o)
	}
}
