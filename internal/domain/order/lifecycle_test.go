package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
)

var (
	admin = auth.Requester{UserID: "admin-1", Role: auth.RoleAdmin}
	owner = auth.Requester{UserID: "user-1", Role: auth.RoleUser}
	other = auth.Requester{UserID: "user-2", Role: auth.RoleUser}
)

func seedOrder(t *testing.T, f *fixture, status Status) *Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), validRequest(ItemRequest{ProductID: "p1", Quantity: 2}))
	require.NoError(t, err)
	if status != StatusPending {
		f.orders.mu.Lock()
		f.orders.byID[o.ID].Status = status
		f.orders.mu.Unlock()
		o.Status = status
	}
	return o
}

func TestStatus_Graph(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusPaymentFailed, true},
		{StatusPending, StatusRefunded, true},
		{StatusPending, StatusShipped, false},
		{StatusProcessing, StatusShipped, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusPaid, false},
		{StatusPaid, StatusShipped, true},
		{StatusPaid, StatusCancelled, false},
		{StatusPaid, StatusPending, false},
		{StatusShipped, StatusDelivered, true},
		{StatusShipped, StatusCancelled, false},
		{StatusShipped, StatusRefunded, true},
		{StatusDelivered, StatusRefunded, true},
		{StatusDelivered, StatusShipped, false},
		{StatusCancelled, StatusPending, false},
		{StatusRefunded, StatusPending, false},
		{StatusPaymentFailed, StatusPaid, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}

	for _, s := range []Status{StatusCancelled, StatusPaymentFailed, StatusRefunded} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusShipped.Terminal())
}

func TestGetOrder_Access(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)
	ctx := context.Background()

	got, err := f.svc.GetOrder(ctx, o.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, o.Number, got.Number)

	_, err = f.svc.GetOrder(ctx, o.ID, admin)
	require.NoError(t, err)

	_, err = f.svc.GetOrder(ctx, o.ID, other)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.GetOrder(ctx, "missing", owner)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListOrders_ScopedToRequester(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	seedOrder(t, f, StatusPending)
	ctx := context.Background()

	mine, err := f.svc.ListOrders(ctx, owner, Filter{UserID: "someone-else"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := f.svc.ListOrders(ctx, other, Filter{})
	require.NoError(t, err)
	assert.Empty(t, theirs)

	all, err := f.svc.ListOrders(ctx, admin, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.svc.ListOrders(ctx, owner, Filter{Status: "LOST"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestUpdateStatus_Ship(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPaid)
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, o.ID, admin, StatusChange{Status: StatusShipped})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.UpdateStatus(ctx, o.ID, admin, StatusChange{
		Status:   StatusShipped,
		Tracking: &TrackingInfo{Carrier: "Yamato"},
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	shipped, err := f.svc.UpdateStatus(ctx, o.ID, admin, StatusChange{
		Status:   StatusShipped,
		Tracking: &TrackingInfo{Carrier: "Yamato", Number: "1234-5678-9012"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, shipped.Status)
	require.NotNil(t, shipped.Tracking)
	assert.Equal(t, "Yamato", shipped.Tracking.Carrier)
	assert.Equal(t, fixedNow, shipped.Tracking.ShippedAt)
	require.NotNil(t, shipped.ShippedAt)
	assert.Equal(t, fixedNow, *shipped.ShippedAt)

	assert.Contains(t, f.notifier.types(), EventOrderShipped)
	assert.Zero(t, f.inventory.releaseCount())
}

func TestUpdateStatus_ShippedAtFromRequest(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusProcessing)
	at := fixedNow.Add(-2 * time.Hour)

	shipped, err := f.svc.UpdateStatus(context.Background(), o.ID, admin, StatusChange{
		Status:   StatusShipped,
		Tracking: &TrackingInfo{Carrier: "Sagawa", Number: "42", ShippedAt: &at},
	})
	require.NoError(t, err)
	assert.Equal(t, at, *shipped.ShippedAt)
}

func TestUpdateStatus_Rejections(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		kind apperr.Kind
	}{
		{name: "backwards", from: StatusPaid, to: StatusPending, kind: apperr.KindStateTransition},
		{name: "same status", from: StatusPaid, to: StatusPaid, kind: apperr.KindStateTransition},
		{name: "from terminal", from: StatusCancelled, to: StatusProcessing, kind: apperr.KindStateTransition},
		{name: "cancel shipped", from: StatusShipped, to: StatusCancelled, kind: apperr.KindStateTransition},
		{name: "unknown status", from: StatusPending, to: "LOST", kind: apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, newTestProduct("p1", 1000))
			o := seedOrder(t, f, tt.from)

			_, err := f.svc.UpdateStatus(context.Background(), o.ID, admin, StatusChange{Status: tt.to})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.False(t, apperr.Retryable(err))

			stored, err := f.orders.GetByID(context.Background(), o.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.from, stored.Status)
			assert.Zero(t, f.inventory.releaseCount())
		})
	}
}

func TestUpdateStatus_AdminOnly(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)

	_, err := f.svc.UpdateStatus(context.Background(), o.ID, owner, StatusChange{Status: StatusProcessing})
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestUpdateStatus_CancelReleasesStock(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusProcessing)

	cancelled, err := f.svc.UpdateStatus(context.Background(), o.ID, admin, StatusChange{
		Status: StatusCancelled,
		Reason: "out of packaging",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "out of packaging", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, 2, f.inventory.released[o.ID][0].Quantity)
}

func TestUpdateStatus_Refund(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusDelivered)
	f.orders.byID[o.ID].PaymentStatus = PaymentPaid

	refunded, err := f.svc.UpdateStatus(context.Background(), o.ID, admin, StatusChange{Status: StatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, refunded.PaymentStatus)
	require.NotNil(t, refunded.RefundedAt)
	assert.Zero(t, f.inventory.releaseCount(), "refunds after shipping do not restock")
}

func TestUpdateStatus_RefundBeforeShippingReleasesStock(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusProcessing, StatusPaid} {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t, newTestProduct("p1", 1000))
			o := seedOrder(t, f, from)

			refunded, err := f.svc.UpdateStatus(context.Background(), o.ID, admin, StatusChange{Status: StatusRefunded})
			require.NoError(t, err)
			assert.Equal(t, StatusRefunded, refunded.Status)
			assert.Equal(t, 1, f.inventory.releaseCount())
			assert.Equal(t, 2, f.inventory.released[o.ID][0].Quantity)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)
	ctx := context.Background()

	_, err := f.svc.CancelOrder(ctx, o.ID, other, "")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	cancelled, err := f.svc.CancelOrder(ctx, o.ID, owner, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, f.inventory.releaseCount())

	_, err = f.svc.CancelOrder(ctx, o.ID, owner, "")
	assert.Equal(t, apperr.KindStateTransition, apperr.KindOf(err))
	assert.Equal(t, 1, f.inventory.releaseCount())
}

func TestCancelOrder_ShippedRejected(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusShipped)

	_, err := f.svc.CancelOrder(context.Background(), o.ID, owner, "")

	var ste *StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, StatusShipped, ste.From)
	assert.Equal(t, StatusCancelled, ste.To)
	assert.Zero(t, f.inventory.releaseCount())
}

func TestHandlePaymentCallback(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)
	ctx := context.Background()

	paid, err := f.svc.HandlePaymentCallback(ctx, PaymentCallback{OrderRef: o.Number, Outcome: OutcomeSucceeded, EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	assert.Equal(t, PaymentPaid, paid.PaymentStatus)
	require.NotNil(t, paid.PaidAt)

	again, err := f.svc.HandlePaymentCallback(ctx, PaymentCallback{OrderRef: o.Number, Outcome: OutcomeSucceeded, EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, again.Status)

	_, err = f.svc.HandlePaymentCallback(ctx, PaymentCallback{OrderRef: o.Number, Outcome: OutcomeFailed})
	assert.Equal(t, apperr.KindStateTransition, apperr.KindOf(err))
}

func TestHandlePaymentCallback_Failed(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)
	ctx := context.Background()

	failed, err := f.svc.HandlePaymentCallback(ctx, PaymentCallback{OrderRef: o.Number, Outcome: OutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentFailed, failed.Status)
	assert.Equal(t, 1, f.inventory.releaseCount())

	_, err = f.svc.HandlePaymentCallback(ctx, PaymentCallback{OrderRef: o.Number, Outcome: OutcomeFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, f.inventory.releaseCount())

	_, err = f.svc.HandlePaymentCallback(ctx, PaymentCallback{OrderRef: o.Number, Outcome: OutcomeSucceeded})
	var ste *StateTransitionError
	require.ErrorAs(t, err, &ste)
}

func TestHandlePaymentCallback_Rejected(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)

	tests := []struct {
		name string
		cb   PaymentCallback
	}{
		{name: "missing ref", cb: PaymentCallback{Outcome: OutcomeSucceeded}},
		{name: "unknown outcome", cb: PaymentCallback{OrderRef: o.Number, Outcome: "pending"}},
		{name: "unknown order", cb: PaymentCallback{OrderRef: "2501019999", Outcome: OutcomeSucceeded}},
		{name: "unknown order id", cb: PaymentCallback{OrderRef: "6f1c1a7e-8e7b-4b8e-9d43-0a4d0f5b1c2d", Outcome: OutcomeSucceeded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.HandlePaymentCallback(context.Background(), tt.cb)
			var pce *apperr.PaymentCallbackError
			require.ErrorAs(t, err, &pce)
		})
	}

	stored, err := f.orders.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestHandlePaymentCallback_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, newTestProduct("p1", 1000))
	o := seedOrder(t, f, StatusPending)

	// Hold every writer at the compare-and-set so that they all read PENDING.
	const workers = 8
	var ready sync.WaitGroup
	ready.Add(workers)
	release := make(chan struct{})
	f.orders.beforeTransition = func() {
		ready.Done()
		<-release
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.HandlePaymentCallback(context.Background(), PaymentCallback{OrderRef: o.ID, Outcome: OutcomeSucceeded})
			errs <- err
		}()
	}
	ready.Wait()
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.orders.applied)

	stored, err := f.orders.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, stored.Status)
}
