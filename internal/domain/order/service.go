package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/pkg/retry"
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Kind() apperr.Kind { return apperr.KindValidation }

// MaxLineQuantity caps the quantity of one product in a cart, after repeated
// lines are merged.
const MaxLineQuantity = 9999

// Step names a stage of checkout.
type Step string

const (
	StepValidate     Step = "validate"
	StepCatalog      Step = "catalog"
	StepCoupon       Step = "coupon"
	StepPricing      Step = "pricing"
	StepReserve      Step = "reserve"
	StepAllocate     Step = "allocate"
	StepPersist      Step = "persist"
	StepCommitCoupon Step = "commit_coupon"
)

// CheckoutError reports the checkout step that failed. The component error
// is kept intact and reachable through errors.As.
type CheckoutError struct {
	Step Step
	Err  error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout failed at %s: %v", e.Step, e.Err)
}

func (e *CheckoutError) Unwrap() error     { return e.Err }
func (e *CheckoutError) Kind() apperr.Kind { return apperr.KindOf(e.Err) }
func (e *CheckoutError) Retryable() bool   { return apperr.Retryable(e.Err) }

// CouponEngine validates and commits coupons.
type CouponEngine interface {
	Preview(ctx context.Context, code string, subtotal int64, userID string) (*coupon.Quote, error)
	Commit(ctx context.Context, code, userID, orderID string) error
	Revoke(ctx context.Context, code, orderID string) error
}

// Inventory reserves and releases stock.
type Inventory interface {
	Reserve(ctx context.Context, lines []inventory.Line) error
	Release(ctx context.Context, ref string, lines []inventory.Line) (bool, error)
}

// NumberAllocator issues order numbers.
type NumberAllocator interface {
	Allocate(ctx context.Context, date time.Time) (string, error)
}

// EventType identifies a customer notification.
type EventType string

const (
	EventOrderConfirmed EventType = "order.confirmed"
	EventOrderShipped   EventType = "order.shipped"
)

// Event is a notification about an order.
type Event struct {
	ID    string
	Type  EventType
	Order Order
	At    time.Time
}

// Notifier delivers events without blocking the caller. Delivery failures
// never affect the order.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// ItemRequest is one cart line as submitted by the customer.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// CreateOrderRequest holds the input for checkout.
type CreateOrderRequest struct {
	UserID          string
	Items           []ItemRequest
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	CouponCode      string
	TermsAccepted   bool
	PrivacyAccepted bool
	// Timeout overrides the service default when positive.
	Timeout time.Duration
}

// Deps are the collaborators of Service.
type Deps struct {
	Catalog   product.Catalog
	Coupons   CouponEngine
	Inventory Inventory
	Numbers   NumberAllocator
	Orders    Repository
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the pricing policy.
func WithPolicy(p pricing.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithTimeout sets the default checkout timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithRetry sets the backoff used for retryable storage steps.
func WithRetry(cfg retry.Config) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the order id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer("kart-checkout/order") }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meter = mp.Meter("kart-checkout/order") }
}

// Service implements checkout and the order lifecycle.
type Service struct {
	catalog   product.Catalog
	coupons   CouponEngine
	inventory Inventory
	numbers   NumberAllocator
	orders    Repository

	policy   pricing.Policy
	timeout  time.Duration
	retry    retry.Config
	notifier Notifier
	now      func() time.Time
	newID    func() string

	tracer trace.Tracer
	meter  metric.Meter

	checkouts   metric.Int64Counter
	failures    metric.Int64Counter
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewService creates an order Service.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	s := &Service{
		catalog:   deps.Catalog,
		coupons:   deps.Coupons,
		inventory: deps.Inventory,
		numbers:   deps.Numbers,
		orders:    deps.Orders,
		policy:    pricing.DefaultPolicy(),
		timeout:   10 * time.Second,
		retry:     retry.Default(),
		notifier:  nopNotifier{},
		now:       time.Now,
		newID:     uuid.NewString,
		tracer:    tracenoop.NewTracerProvider().Tracer(""),
		meter:     metricnoop.NewMeterProvider().Meter(""),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "pricing policy")
	}

	var err error
	if s.checkouts, err = s.meter.Int64Counter("checkout.orders",
		metric.WithDescription("Orders created by checkout"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.orders")
	}
	if s.failures, err = s.meter.Int64Counter("checkout.failures",
		metric.WithDescription("Failed checkouts by step"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.failures")
	}
	if s.transitions, err = s.meter.Int64Counter("order.transitions",
		metric.WithDescription("Order status transitions by target status"),
	); err != nil {
		return nil, errors.Wrap(err, "order.transitions")
	}
	if s.duration, err = s.meter.Float64Histogram("checkout.duration",
		metric.WithDescription("Checkout latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "checkout.duration")
	}
	return s, nil
}

// CreateOrder turns a cart into a PENDING order: it snapshots products,
// applies the coupon, prices the cart, reserves stock, allocates an order
// number, persists the order and commits the coupon usage. Once stock is
// reserved, any failure releases it again and removes the order.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (_ *Order, rerr error) {
	start := time.Now()
	timeout := s.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "order.CreateOrder",
		trace.WithAttributes(attribute.String("user.id", req.UserID)),
	)
	defer func() {
		s.duration.Record(ctx, time.Since(start).Seconds())
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	items, err := validateRequest(req)
	if err != nil {
		return nil, s.fail(ctx, StepValidate, err)
	}

	lineItems, err := s.snapshot(ctx, items)
	if err != nil {
		return nil, s.fail(ctx, StepCatalog, err)
	}

	priced := make([]pricing.Line, len(lineItems))
	for i, it := range lineItems {
		priced[i] = pricing.Line{UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	subtotal, err := pricing.Subtotal(priced)
	if err != nil {
		return nil, s.fail(ctx, StepPricing, pricingError(err))
	}

	var (
		discount   int64
		couponCode string
	)
	if coupon.Normalize(req.CouponCode) != "" {
		quote, err := s.coupons.Preview(ctx, req.CouponCode, subtotal, req.UserID)
		if err != nil {
			return nil, s.fail(ctx, StepCoupon, err)
		}
		discount = quote.Discount
		couponCode = quote.Coupon.Code
	}

	breakdown, err := pricing.Price(priced, discount, s.policy)
	if err != nil {
		return nil, s.fail(ctx, StepPricing, pricingError(err))
	}
	if err := breakdown.Check(); err != nil {
		return nil, s.fail(ctx, StepPricing, err)
	}

	o := &Order{
		ID:              s.newID(),
		UserID:          req.UserID,
		Items:           lineItems,
		Subtotal:        breakdown.Subtotal,
		Discount:        breakdown.Discount,
		Tax:             breakdown.Tax,
		ShippingFee:     breakdown.ShippingFee,
		Total:           breakdown.Total,
		CouponCode:      couponCode,
		Status:          StatusPending,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   PaymentPending,
		ShippingAddress: req.ShippingAddress,
		TermsAccepted:   req.TermsAccepted,
		PrivacyAccepted: req.PrivacyAccepted,
	}
	span.SetAttributes(attribute.String("order.id", o.ID))

	if err := s.inventory.Reserve(ctx, o.StockLines()); err != nil {
		return nil, s.fail(ctx, StepReserve, err)
	}

	number, err := s.allocate(ctx)
	if err != nil {
		s.compensate(ctx, o, landed{})
		return nil, s.fail(ctx, StepAllocate, err)
	}
	o.Number = number

	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	if err := s.orders.Create(ctx, o); err != nil {
		// The insert may have landed before the context expired.
		s.compensate(ctx, o, landed{order: true})
		return nil, s.fail(ctx, StepPersist, err)
	}

	if couponCode != "" {
		if err := s.coupons.Commit(ctx, couponCode, req.UserID, o.ID); err != nil {
			// The usage may have been recorded even though the commit failed.
			s.compensate(ctx, o, landed{order: true, coupon: true})
			return nil, s.fail(ctx, StepCommitCoupon, err)
		}
	}

	s.checkouts.Add(ctx, 1)
	zctx.From(ctx).Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.Int64("total", o.Total),
	)
	s.notify(ctx, EventOrderConfirmed, o)

	return o, nil
}

func pricingError(err error) error {
	if errors.Is(err, pricing.ErrAmountTooLarge) {
		return errInvalid("items", "order amount is too large")
	}
	return err
}

// validateRequest checks the request and merges repeated products into a
// single line, keeping the order in which they first appear.
func validateRequest(req CreateOrderRequest) ([]ItemRequest, error) {
	if req.UserID == "" {
		return nil, errInvalid("userId", "required")
	}
	if len(req.Items) == 0 {
		return nil, errInvalid("items", "required")
	}

	merged := make([]ItemRequest, 0, len(req.Items))
	index := make(map[string]int, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" {
			return nil, errInvalid("items.productId", "required")
		}
		if it.Quantity < 1 {
			return nil, errInvalid("items.quantity", fmt.Sprintf("must be at least 1 for product %s", it.ProductID))
		}
		if it.Quantity > MaxLineQuantity {
			return nil, errQuantityTooLarge(it.ProductID)
		}
		if i, ok := index[it.ProductID]; ok {
			merged[i].Quantity += it.Quantity
			if merged[i].Quantity > MaxLineQuantity {
				return nil, errQuantityTooLarge(it.ProductID)
			}
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}

	if err := req.ShippingAddress.validate(); err != nil {
		return nil, err
	}
	if !req.PaymentMethod.Valid() {
		return nil, errInvalid("paymentMethod", fmt.Sprintf("unsupported %q", req.PaymentMethod))
	}
	if !req.TermsAccepted {
		return nil, errInvalid("termsAccepted", "terms must be accepted")
	}
	if !req.PrivacyAccepted {
		return nil, errInvalid("privacyAccepted", "privacy policy must be accepted")
	}
	return merged, nil
}

func errQuantityTooLarge(productID string) error {
	return errInvalid("items.quantity", fmt.Sprintf("must not exceed %d for product %s", MaxLineQuantity, productID))
}

// snapshot copies the current catalog data for every requested product.
func (s *Service) snapshot(ctx context.Context, items []ItemRequest) ([]LineItem, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}

	fetched, err := s.catalog.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	lines := make([]LineItem, len(items))
	for i, it := range items {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: it.ProductID}
		}
		lines[i] = LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			SKU:       p.SKU,
			Image:     p.Image,
			UnitPrice: p.Price,
			Quantity:  it.Quantity,
			LineTotal: p.Price * int64(it.Quantity),
		}
	}
	return lines, nil
}

func (s *Service) allocate(ctx context.Context) (string, error) {
	var number string
	err := retry.Do(ctx, s.retry, apperr.Retryable, func(ctx context.Context) error {
		n, err := s.numbers.Allocate(ctx, s.now())
		if err != nil {
			return err
		}
		number = n
		return nil
	})
	return number, err
}

// landed lists the checkout writes that may have reached storage.
type landed struct {
	order  bool
	coupon bool
}

// compensate undoes the side effects of a failed checkout. It runs on a
// context that survives the caller's deadline. When the order has already
// left PENDING it belongs to someone else and nothing is undone.
func (s *Service) compensate(ctx context.Context, o *Order, w landed) {
	ctx = context.WithoutCancel(ctx)
	lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

	if w.order {
		err := s.orders.Discard(ctx, o.ID)
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrStatusConflict):
			lg.Warn("Failed order already moved on, keeping its stock and coupon")
			return
		default:
			lg.Error("Discard failed order", zap.Error(err))
		}
	}
	if w.coupon && o.CouponCode != "" {
		if err := s.coupons.Revoke(ctx, o.CouponCode, o.ID); err != nil {
			lg.Error("Revoke coupon of failed order", zap.Error(err))
		}
	}
	if _, err := s.inventory.Release(ctx, o.ID, o.StockLines()); err != nil {
		lg.Error("Release stock of failed order", zap.Error(err))
	}
}

func (s *Service) fail(ctx context.Context, step Step, err error) error {
	var transient *apperr.TransientError
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &transient) {
		err = apperr.Transient(string(step), err)
	}

	s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", string(step))))
	lg := zctx.From(ctx)
	switch kind := apperr.KindOf(err); kind {
	case apperr.KindInternal, apperr.KindTransient, apperr.KindAllocation:
		lg.Error("Checkout failed", zap.String("step", string(step)), zap.Error(err))
	default:
		lg.Info("Checkout rejected", zap.String("step", string(step)), zap.String("kind", string(kind)), zap.Error(err))
	}
	return &CheckoutError{Step: step, Err: err}
}

func (s *Service) notify(ctx context.Context, typ EventType, o *Order) {
	s.notifier.Notify(context.WithoutCancel(ctx), Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Order: *o,
		At:    s.now(),
	})
}
