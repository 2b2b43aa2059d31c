package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

var (
	// ErrNotFound is returned by repositories when no order matches.
	ErrNotFound = errors.New("order not found")
	// ErrStatusConflict is returned by Repository.Transition when the stored
	// status no longer equals the expected one.
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrDuplicateNumber is returned by Repository.Create when the order
	// number is already taken.
	ErrDuplicateNumber = errors.New("order number already exists")
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentCreditCard     PaymentMethod = "credit_card"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
	PaymentBankTransfer   PaymentMethod = "bank_transfer"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCreditCard, PaymentCashOnDelivery, PaymentBankTransfer:
		return true
	default:
		return false
	}
}

// PaymentStatus tracks the money side of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Address is a Japanese shipping address.
type Address struct {
	Name       string `json:"name"`
	PostalCode string `json:"postalCode"`
	Prefecture string `json:"prefecture"`
	City       string `json:"city"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	Phone      string `json:"phone"`
}

func (a Address) validate() error {
	switch {
	case a.Name == "":
		return errInvalid("shippingAddress.name", "required")
	case a.PostalCode == "":
		return errInvalid("shippingAddress.postalCode", "required")
	case a.Prefecture == "":
		return errInvalid("shippingAddress.prefecture", "required")
	case a.City == "":
		return errInvalid("shippingAddress.city", "required")
	case a.Line1 == "":
		return errInvalid("shippingAddress.line1", "required")
	case a.Phone == "":
		return errInvalid("shippingAddress.phone", "required")
	}
	return nil
}

// LineItem is a snapshot of a product at checkout. It does not follow later
// catalog edits.
type LineItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Image     string `json:"image,omitempty"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"lineTotal"`
}

// Tracking identifies a shipment.
type Tracking struct {
	Carrier   string
	Number    string
	ShippedAt time.Time
}

// Order is the checkout aggregate. Items and amounts are fixed at creation.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Items           []LineItem
	Subtotal        int64
	Discount        int64
	Tax             int64
	ShippingFee     int64
	Total           int64
	CouponCode      string
	Status          Status
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	ShippingAddress Address
	TermsAccepted   bool
	PrivacyAccepted bool
	Tracking        *Tracking
	CancelReason    string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
	RefundedAt  *time.Time
}

// Breakdown returns the order's amounts.
func (o *Order) Breakdown() pricing.Breakdown {
	return pricing.Breakdown{
		Subtotal:    o.Subtotal,
		Discount:    o.Discount,
		Tax:         o.Tax,
		ShippingFee: o.ShippingFee,
		Total:       o.Total,
	}
}

// StockLines returns the quantities reserved for the order.
func (o *Order) StockLines() []inventory.Line {
	lines := make([]inventory.Line, len(o.Items))
	for i, it := range o.Items {
		lines[i] = inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return lines
}

// Update is the set of mutable fields written by a status transition.
type Update struct {
	Status        Status
	PaymentStatus PaymentStatus
	Tracking      *Tracking
	CancelReason  string
	At            time.Time
}

// ApplyTo writes u onto o, stamping the timestamp that belongs to the new
// status. Repositories use it so that every backend agrees on the columns
// a transition touches.
func (u Update) ApplyTo(o *Order) {
	at := u.At
	o.Status = u.Status
	o.UpdatedAt = at
	if u.PaymentStatus != "" {
		o.PaymentStatus = u.PaymentStatus
	}
	if u.Tracking != nil {
		tr := *u.Tracking
		o.Tracking = &tr
	}
	if u.CancelReason != "" {
		o.CancelReason = u.CancelReason
	}
	switch u.Status {
	case StatusPaid:
		o.PaidAt = &at
	case StatusShipped:
		shipped := at
		if u.Tracking != nil && !u.Tracking.ShippedAt.IsZero() {
			shipped = u.Tracking.ShippedAt
		}
		o.ShippedAt = &shipped
	case StatusDelivered:
		o.DeliveredAt = &at
	case StatusCancelled:
		o.CancelledAt = &at
	case StatusRefunded:
		o.RefundedAt = &at
	}
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

// MaxListLimit caps a single page of orders.
const MaxListLimit = 100

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts a new PENDING order.
	Create(ctx context.Context, o *Order) error
	// Discard deletes an order that never left PENDING. It is used to undo a
	// checkout whose later steps failed. It returns ErrNotFound when the
	// order does not exist and ErrStatusConflict when it is no longer
	// PENDING.
	Discard(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// List returns orders newest first.
	List(ctx context.Context, f Filter) ([]Order, error)
	// Transition applies u only if the stored status still equals from and
	// returns the updated order. It returns ErrStatusConflict otherwise.
	Transition(ctx context.Context, id string, from Status, u Update) (*Order, error)
}
