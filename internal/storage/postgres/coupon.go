package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	couponColumns = `code, discount_type, value, min_purchase, max_discount,
		starts_at, ends_at, active, uses, max_uses, per_user_limit, description,
		created_at, updated_at`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`

	createCouponSQL = `INSERT INTO coupons (code, discount_type, value, min_purchase,
		max_discount, starts_at, ends_at, active, max_uses, per_user_limit, description,
		created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`

	listCouponCodesSQL = `SELECT code FROM coupons`

	countUserUsageSQL = `SELECT count(*) FROM coupon_usages WHERE code = $1 AND user_id = $2`

	insertUsageSQL = `INSERT INTO coupon_usages (order_id, code, user_id) VALUES ($1, $2, $3)
		ON CONFLICT (order_id, code) DO NOTHING`

	claimUsageSQL = `UPDATE coupons SET uses = uses + 1, updated_at = now()
		WHERE code = $1 AND (max_uses = 0 OR uses < max_uses)
		RETURNING per_user_limit`

	deleteUsageSQL = `DELETE FROM coupon_usages WHERE order_id = $1 AND code = $2`

	returnUsageSQL = `UPDATE coupons SET uses = uses - 1, updated_at = now()
		WHERE code = $1 AND uses > 0`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool, now: time.Now}
}

// ForEachCode streams every stored coupon code to fn.
func (r *CouponRepository) ForEachCode(ctx context.Context, fn func(code string) error) error {
	rows, err := r.pool.Query(ctx, listCouponCodesSQL)
	if err != nil {
		return classify("list coupon codes", err)
	}
	var code string
	if _, err := pgx.ForEachRow(rows, []any{&code}, func() error { return fn(code) }); err != nil {
		return classify("list coupon codes", err)
	}
	return nil
}

// FindByCode looks up a coupon by its normalized code. Inactive coupons are
// returned too so that callers can report why they do not apply.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, classify(fmt.Sprintf("find coupon %q", code), err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, classify(fmt.Sprintf("find coupon %q", code), err)
	}
	return &c, nil
}

func (r *CouponRepository) CountUserUsage(ctx context.Context, code, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countUserUsageSQL, code, userID).Scan(&n); err != nil {
		return 0, classify("count coupon usage", err)
	}
	return n, nil
}

// Commit appends u to the ledger and takes a usage slot in one transaction.
// The ledger insert runs first so that a repeated commit for the same order
// is detected before any limit is checked. The conditional update on the
// coupon row serializes concurrent commits for one code.
func (r *CouponRepository) Commit(ctx context.Context, u coupon.Usage) (bool, error) {
	applied := false
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertUsageSQL, u.OrderID, u.Code, u.UserID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return coupon.ErrNotFound
			}
			return classify("insert coupon usage", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		var perUser int
		err = tx.QueryRow(ctx, claimUsageSQL, u.Code).Scan(&perUser)
		if errors.Is(err, pgx.ErrNoRows) {
			return coupon.ErrUsageLimitReached
		}
		if err != nil {
			return classify("claim coupon usage", err)
		}

		if perUser > 0 && u.UserID != "" {
			var used int
			if err := tx.QueryRow(ctx, countUserUsageSQL, u.Code, u.UserID).Scan(&used); err != nil {
				return classify("count coupon usage", err)
			}
			if used > perUser {
				return coupon.ErrUserLimitReached
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Revoke deletes the ledger row of orderID and, only if a row was deleted,
// gives the usage slot back in the same transaction.
func (r *CouponRepository) Revoke(ctx context.Context, code, orderID string) (bool, error) {
	revoked := false
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleteUsageSQL, orderID, code)
		if err != nil {
			return classify("delete coupon usage", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, returnUsageSQL, code); err != nil {
			return classify("return coupon usage", err)
		}
		revoked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return revoked, nil
}

func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	now := r.now().UTC()
	_, err := r.pool.Exec(ctx, createCouponSQL,
		c.Code, string(c.DiscountType), c.Value, c.MinPurchase, c.MaxDiscount,
		c.StartsAt, c.EndsAt, c.Active, c.UsageLimit, c.PerUserLimit, c.Description, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrAlreadyExists
		}
		return classify(fmt.Sprintf("create coupon %q", c.Code), err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// Update writes the non-nil fields of p and returns the stored coupon.
func (r *CouponRepository) Update(ctx context.Context, code string, p coupon.Patch) (*coupon.Coupon, error) {
	set := map[string]any{"updated_at": r.now().UTC()}
	if p.Description != nil {
		set["description"] = *p.Description
	}
	if p.DiscountType != nil {
		set["discount_type"] = string(*p.DiscountType)
	}
	if p.Value != nil {
		set["value"] = *p.Value
	}
	if p.MinPurchase != nil {
		set["min_purchase"] = *p.MinPurchase
	}
	if p.MaxDiscount != nil {
		set["max_discount"] = *p.MaxDiscount
	}
	switch {
	case p.ClearStartsAt:
		set["starts_at"] = nil
	case p.StartsAt != nil:
		set["starts_at"] = *p.StartsAt
	}
	switch {
	case p.ClearEndsAt:
		set["ends_at"] = nil
	case p.EndsAt != nil:
		set["ends_at"] = *p.EndsAt
	}
	if p.Active != nil {
		set["active"] = *p.Active
	}
	if p.UsageLimit != nil {
		set["max_uses"] = *p.UsageLimit
	}
	if p.PerUserLimit != nil {
		set["per_user_limit"] = *p.PerUserLimit
	}

	query, args, err := psql.Update("coupons").
		SetMap(set).
		Where("code = ?", code).
		Suffix("RETURNING " + couponColumns).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build coupon update")
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Sprintf("update coupon %q", code), err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, classify(fmt.Sprintf("update coupon %q", code), err)
	}
	return &c, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
	)
	err := row.Scan(
		&c.Code, &discountType, &c.Value, &c.MinPurchase, &c.MaxDiscount,
		&c.StartsAt, &c.EndsAt, &c.Active, &c.UsageCount, &c.UsageLimit, &c.PerUserLimit,
		&c.Description, &c.CreatedAt, &c.UpdatedAt,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	return c, err
}
