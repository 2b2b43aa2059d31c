// Package pricing computes order totals. All amounts are integer yen.
package pricing

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// MaxAmount bounds a cart subtotal. Tax and totals computed from a bounded
// subtotal cannot overflow int64.
const MaxAmount int64 = 1_000_000_000_000_000

// ErrAmountTooLarge is returned when a cart subtotal exceeds MaxAmount.
var ErrAmountTooLarge = errors.New("amount too large")

// Policy holds the shop-wide pricing parameters.
type Policy struct {
	// TaxRate is applied to the discounted subtotal, e.g. 0.10 for 10%.
	TaxRate decimal.Decimal
	// FreeShippingThreshold waives shipping when the subtotal reaches it.
	FreeShippingThreshold int64
	// FlatShippingFee is charged below the threshold.
	FlatShippingFee int64
}

// DefaultPolicy is 10% tax with free shipping from 10,000 yen, 800 yen otherwise.
func DefaultPolicy() Policy {
	return Policy{
		TaxRate:               decimal.RequireFromString("0.10"),
		FreeShippingThreshold: 10000,
		FlatShippingFee:       800,
	}
}

// Validate rejects policies that would produce negative amounts.
func (p Policy) Validate() error {
	if p.TaxRate.IsNegative() || p.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("tax rate must be between 0 and 1")
	}
	if p.FreeShippingThreshold < 0 || p.FlatShippingFee < 0 {
		return errors.New("shipping amounts must not be negative")
	}
	return nil
}

// Line is one priced cart line.
type Line struct {
	UnitPrice int64
	Quantity  int
}

// Breakdown is the result of pricing an order.
type Breakdown struct {
	Subtotal    int64
	Discount    int64
	Tax         int64
	ShippingFee int64
	Total       int64
}

// Taxable returns the discounted subtotal tax is computed on.
func (b Breakdown) Taxable() int64 {
	return b.Subtotal - b.Discount
}

// Check verifies total = subtotal - discount + tax + shipping.
func (b Breakdown) Check() error {
	if b.Discount < 0 || b.Discount > b.Subtotal {
		return errors.Errorf("discount %d out of range for subtotal %d", b.Discount, b.Subtotal)
	}
	if b.Total != b.Subtotal-b.Discount+b.Tax+b.ShippingFee {
		return errors.Errorf("total %d does not match components", b.Total)
	}
	return nil
}

// Subtotal returns the sum of unit price times quantity. It fails with
// ErrAmountTooLarge rather than wrap around.
func Subtotal(lines []Line) (int64, error) {
	var sum int64
	for _, l := range lines {
		if l.UnitPrice < 0 || l.Quantity < 0 {
			return 0, errors.Errorf("negative line: price %d, quantity %d", l.UnitPrice, l.Quantity)
		}
		if l.UnitPrice > 0 && int64(l.Quantity) > (MaxAmount-sum)/l.UnitPrice {
			return 0, ErrAmountTooLarge
		}
		sum += l.UnitPrice * int64(l.Quantity)
	}
	return sum, nil
}

// Price computes the breakdown for lines with a discount already decided by
// the coupon engine. The discount is clamped to [0, subtotal].
func Price(lines []Line, discount int64, policy Policy) (Breakdown, error) {
	subtotal, err := Subtotal(lines)
	if err != nil {
		return Breakdown{}, err
	}
	discount = max(0, min(discount, subtotal))
	taxable := subtotal - discount

	tax := Tax(taxable, policy.TaxRate)

	var shipping int64
	if subtotal < policy.FreeShippingThreshold {
		shipping = policy.FlatShippingFee
	}

	return Breakdown{
		Subtotal:    subtotal,
		Discount:    discount,
		Tax:         tax,
		ShippingFee: shipping,
		Total:       taxable + tax + shipping,
	}, nil
}

// Tax rounds amount*rate half-up to whole yen.
func Tax(amount int64, rate decimal.Decimal) int64 {
	if amount <= 0 {
		return 0
	}
	// Round is half away from zero, which is half-up for positive amounts.
	return decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()
}
