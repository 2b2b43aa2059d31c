package coupon

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Patch lists the coupon fields an administrator may change. Nil fields are
// left untouched. ClearStartsAt and ClearEndsAt make the window open-ended
// again. Code, usage counters and the ledger are not patchable.
type Patch struct {
	Description  *string
	DiscountType *DiscountType
	Value        *decimal.Decimal
	MinPurchase  *int64
	MaxDiscount  *int64
	StartsAt     *time.Time
	EndsAt       *time.Time
	Active       *bool
	UsageLimit   *int
	PerUserLimit *int

	ClearStartsAt bool
	ClearEndsAt   bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Description == nil && p.DiscountType == nil && p.Value == nil &&
		p.MinPurchase == nil && p.MaxDiscount == nil && p.StartsAt == nil &&
		p.EndsAt == nil && p.Active == nil && p.UsageLimit == nil && p.PerUserLimit == nil &&
		!p.ClearStartsAt && !p.ClearEndsAt
}

// Apply returns a copy of c with the patch applied.
func (p Patch) Apply(c Coupon) Coupon {
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.DiscountType != nil {
		c.DiscountType = *p.DiscountType
	}
	if p.Value != nil {
		c.Value = *p.Value
	}
	if p.MinPurchase != nil {
		c.MinPurchase = *p.MinPurchase
	}
	if p.MaxDiscount != nil {
		c.MaxDiscount = *p.MaxDiscount
	}
	switch {
	case p.ClearStartsAt:
		c.StartsAt = nil
	case p.StartsAt != nil:
		t := *p.StartsAt
		c.StartsAt = &t
	}
	switch {
	case p.ClearEndsAt:
		c.EndsAt = nil
	case p.EndsAt != nil:
		t := *p.EndsAt
		c.EndsAt = &t
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.UsageLimit != nil {
		c.UsageLimit = *p.UsageLimit
	}
	if p.PerUserLimit != nil {
		c.PerUserLimit = *p.PerUserLimit
	}
	return c
}

// validateAgainst checks that applying p to current yields a valid coupon.
func (p Patch) validateAgainst(current Coupon) error {
	if p.Empty() {
		return apperr.Invalid("patch", "no fields to update")
	}
	if p.ClearStartsAt && p.StartsAt != nil {
		return apperr.Invalid("startsAt", "cannot be set and cleared at once")
	}
	if p.ClearEndsAt && p.EndsAt != nil {
		return apperr.Invalid("endsAt", "cannot be set and cleared at once")
	}
	next := p.Apply(current)
	return next.Check()
}
