package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Quote is the outcome of a successful validation: the coupon and the
// discount it would grant.
type Quote struct {
	Coupon   *Coupon
	Discount int64
}

// Engine validates coupons against carts and records their usage.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates an Engine backed by the given Repository.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Preview validates code for a cart with the given subtotal and returns the
// discount it would grant. It never mutates usage counters. userID may be
// empty, in which case the per-user limit is not checked.
func (e *Engine) Preview(ctx context.Context, code string, subtotal int64, userID string) (*Quote, error) {
	code = Normalize(code)
	if code == "" {
		return nil, apperr.Invalid("couponCode", "required")
	}
	if subtotal < 0 {
		return nil, apperr.Invalid("subtotal", "must not be negative")
	}

	c, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &InvalidError{Code: code, Reason: ReasonNotFound}
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	usage := -1
	if userID != "" && c.PerUserLimit > 0 {
		usage, err = e.repo.CountUserUsage(ctx, code, userID)
		if err != nil {
			return nil, errors.Wrap(err, "count coupon usage")
		}
	}

	if err := Validate(c, e.now(), subtotal, usage); err != nil {
		return nil, err
	}

	return &Quote{Coupon: c, Discount: ComputeDiscount(c, subtotal)}, nil
}

// Commit records that userID used code for orderID. It is idempotent per
// orderID: replaying a confirmation does not consume a second slot.
func (e *Engine) Commit(ctx context.Context, code, userID, orderID string) error {
	code = Normalize(code)
	if orderID == "" {
		return apperr.Invalid("orderID", "required")
	}

	_, err := e.repo.Commit(ctx, Usage{Code: code, UserID: userID, OrderID: orderID})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUsageLimitReached):
		return &InvalidError{Code: code, Reason: ReasonUsageExceeded}
	case errors.Is(err, ErrUserLimitReached):
		return &InvalidError{Code: code, Reason: ReasonUserUsageExceeded}
	case errors.Is(err, ErrNotFound):
		return &InvalidError{Code: code, Reason: ReasonNotFound}
	default:
		return errors.Wrap(err, "commit coupon usage")
	}
}

// Revoke undoes a Commit for orderID. It is a no-op when the usage was never
// recorded.
func (e *Engine) Revoke(ctx context.Context, code, orderID string) error {
	code = Normalize(code)
	if orderID == "" {
		return apperr.Invalid("orderID", "required")
	}
	if _, err := e.repo.Revoke(ctx, code, orderID); err != nil {
		return errors.Wrap(err, "revoke coupon usage")
	}
	return nil
}

// Create registers a new coupon.
func (e *Engine) Create(ctx context.Context, c Coupon) (*Coupon, error) {
	c.Code = Normalize(c.Code)
	c.UsageCount = 0
	if err := c.Check(); err != nil {
		return nil, err
	}

	now := e.now()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := e.repo.Create(ctx, &c); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, apperr.Invalid("code", "already exists")
		}
		return nil, errors.Wrap(err, "create coupon")
	}
	return &c, nil
}

// Update applies an allow-listed patch to an existing coupon.
func (e *Engine) Update(ctx context.Context, code string, p Patch) (*Coupon, error) {
	code = Normalize(code)

	current, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	if err := p.validateAgainst(*current); err != nil {
		return nil, err
	}

	updated, err := e.repo.Update(ctx, code, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, errors.Wrap(err, "update coupon")
	}
	return updated, nil
}
