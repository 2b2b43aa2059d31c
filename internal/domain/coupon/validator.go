// Package coupon validates coupons, computes discounts and records usage.
package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Validate checks whether c can be applied at now to a cart with the given
// subtotal. userUsage is the number of times the user has already used the
// coupon; pass -1 when the user is unknown to skip the per-user check.
func Validate(c *Coupon, now time.Time, subtotal int64, userUsage int) error {
	if !c.Active {
		return &InvalidError{Code: c.Code, Reason: ReasonInactive}
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return &InvalidError{Code: c.Code, Reason: ReasonNotStarted}
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return &InvalidError{Code: c.Code, Reason: ReasonExpired}
	}
	if subtotal < c.MinPurchase {
		return &InvalidError{Code: c.Code, Reason: ReasonBelowMinimum}
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return &InvalidError{Code: c.Code, Reason: ReasonUsageExceeded}
	}
	if c.PerUserLimit > 0 && userUsage >= 0 && userUsage >= c.PerUserLimit {
		return &InvalidError{Code: c.Code, Reason: ReasonUserUsageExceeded}
	}
	return nil
}

// ComputeDiscount returns the discount c grants on subtotal. The result is
// never negative and never exceeds subtotal.
func ComputeDiscount(c *Coupon, subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}

	var amount int64
	switch c.DiscountType {
	case DiscountPercentage:
		amount = decimal.NewFromInt(subtotal).Mul(c.Value).Div(hundred).Floor().IntPart()
		if c.MaxDiscount > 0 {
			amount = min(amount, c.MaxDiscount)
		}
	case DiscountFixed:
		amount = c.Value.Floor().IntPart()
	}

	return max(0, min(amount, subtotal))
}
