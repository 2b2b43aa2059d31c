package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed yen amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	return t == DiscountPercentage || t == DiscountFixed
}

// Reason explains why a coupon cannot be applied.
type Reason string

const (
	ReasonNotFound          Reason = "not-found"
	ReasonInactive          Reason = "inactive"
	ReasonNotStarted        Reason = "not-started"
	ReasonExpired           Reason = "expired"
	ReasonBelowMinimum      Reason = "below-minimum"
	ReasonUsageExceeded     Reason = "usage-exceeded"
	ReasonUserUsageExceeded Reason = "user-usage-exceeded"
)

var (
	// ErrNotFound is returned by repositories when no coupon has the code.
	ErrNotFound = errors.New("coupon not found")
	// ErrUsageLimitReached is returned by Repository.Commit when the global
	// usage limit leaves no slot.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrUserLimitReached is returned by Repository.Commit when the user has
	// used up their per-user allowance.
	ErrUserLimitReached = errors.New("coupon per-user limit reached")
	// ErrAlreadyExists is returned by Repository.Create for a duplicate code.
	ErrAlreadyExists = errors.New("coupon already exists")
)

// InvalidError reports that a coupon cannot be applied to a cart.
type InvalidError struct {
	Code   string
	Reason Reason
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("coupon %q: %s", e.Code, e.Reason)
}

func (e *InvalidError) Kind() apperr.Kind { return apperr.KindCouponInvalid }

// Coupon is a discount rule with its usage counters.
type Coupon struct {
	Code         string
	DiscountType DiscountType
	// Value is a percentage for DiscountPercentage and yen for DiscountFixed.
	Value        decimal.Decimal
	MinPurchase  int64
	MaxDiscount  int64
	StartsAt     *time.Time
	EndsAt       *time.Time
	Active       bool
	UsageCount   int
	UsageLimit   int
	PerUserLimit int
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Check validates the coupon definition itself.
func (c *Coupon) Check() error {
	if c.Code == "" {
		return apperr.Invalid("code", "required")
	}
	if !c.DiscountType.Valid() {
		return apperr.Invalid("discountType", fmt.Sprintf("unsupported %q", c.DiscountType))
	}
	if !c.Value.IsPositive() {
		return apperr.Invalid("value", "must be positive")
	}
	switch c.DiscountType {
	case DiscountPercentage:
		if c.Value.GreaterThan(hundred) {
			return apperr.Invalid("value", "percentage must not exceed 100")
		}
	case DiscountFixed:
		if !c.Value.IsInteger() {
			return apperr.Invalid("value", "fixed discount must be whole yen")
		}
	}
	if c.MinPurchase < 0 || c.MaxDiscount < 0 {
		return apperr.Invalid("limits", "must not be negative")
	}
	if c.UsageLimit < 0 || c.PerUserLimit < 0 {
		return apperr.Invalid("usageLimit", "must not be negative")
	}
	if c.StartsAt != nil && c.EndsAt != nil && !c.EndsAt.After(*c.StartsAt) {
		return apperr.Invalid("endsAt", "must be after startsAt")
	}
	return nil
}

// Usage is one entry of a coupon's usage ledger.
type Usage struct {
	Code    string
	UserID  string
	OrderID string
}

// Repository provides lookup and atomic mutation of coupons.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// CountUserUsage returns how many ledger entries userID has for code.
	CountUserUsage(ctx context.Context, code, userID string) (int, error)
	// Commit atomically claims a usage slot and appends u to the ledger.
	// It reports applied=false without changing anything when u.OrderID is
	// already in the ledger. It returns ErrUsageLimitReached or
	// ErrUserLimitReached when no slot is left.
	Commit(ctx context.Context, u Usage) (applied bool, err error)
	// Revoke removes the ledger entry of orderID for code and gives its
	// slot back. It reports false when there is no such entry.
	Revoke(ctx context.Context, code, orderID string) (revoked bool, err error)
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, code string, p Patch) (*Coupon, error)
}

// Normalize returns the canonical form of a coupon code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
