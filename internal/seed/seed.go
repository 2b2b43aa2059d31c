// Package seed loads catalog fixtures (products with stock and coupons)
// into a store.
package seed

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

type productJSON struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	SKU   string `json:"sku"`
	Price int64  `json:"price"`
	Image string `json:"image"`
	Stock int    `json:"stock"`
}

type couponJSON struct {
	Code         string          `json:"code"`
	DiscountType string          `json:"discountType"`
	Value        decimal.Decimal `json:"value"`
	MinPurchase  int64           `json:"minPurchase"`
	MaxDiscount  int64           `json:"maxDiscount"`
	StartsAt     *time.Time      `json:"startsAt"`
	EndsAt       *time.Time      `json:"endsAt"`
	Inactive     bool            `json:"inactive"`
	UsageLimit   int             `json:"usageLimit"`
	PerUserLimit int             `json:"perUserLimit"`
	Description  string          `json:"description"`
}

// Data is a parsed fixture file.
type Data struct {
	Products []product.Product
	Coupons  []coupon.Coupon
}

// Load reads a fixture file from path.
func Load(path string) (*Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open seed file")
	}
	defer func() { _ = f.Close() }()

	d, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return d, nil
}

// Parse decodes {"products": [...], "coupons": [...]} and validates every
// entry.
func Parse(r io.Reader) (*Data, error) {
	var raw struct {
		Products []productJSON `json:"products"`
		Coupons  []couponJSON  `json:"coupons"`
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	d := &Data{
		Products: make([]product.Product, 0, len(raw.Products)),
		Coupons:  make([]coupon.Coupon, 0, len(raw.Coupons)),
	}
	seen := make(map[string]struct{}, len(raw.Products))
	for _, p := range raw.Products {
		switch {
		case p.ID == "":
			return nil, errors.New("product without id")
		case p.Price < 0 || p.Stock < 0:
			return nil, errors.Errorf("product %q: price and stock must not be negative", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, errors.Errorf("product %q listed twice", p.ID)
		}
		seen[p.ID] = struct{}{}
		d.Products = append(d.Products, product.Product(p))
	}

	for _, c := range raw.Coupons {
		cp := coupon.Coupon{
			Code:         coupon.Normalize(c.Code),
			DiscountType: coupon.DiscountType(c.DiscountType),
			Value:        c.Value,
			MinPurchase:  c.MinPurchase,
			MaxDiscount:  c.MaxDiscount,
			StartsAt:     c.StartsAt,
			EndsAt:       c.EndsAt,
			Active:       !c.Inactive,
			UsageLimit:   c.UsageLimit,
			PerUserLimit: c.PerUserLimit,
			Description:  c.Description,
		}
		if err := cp.Check(); err != nil {
			return nil, errors.Wrapf(err, "coupon %q", c.Code)
		}
		d.Coupons = append(d.Coupons, cp)
	}
	return d, nil
}

// ProductWriter stores products, replacing existing ones.
type ProductWriter interface {
	Upsert(ctx context.Context, p product.Product) error
}

// CouponWriter creates coupons.
type CouponWriter interface {
	Create(ctx context.Context, c *coupon.Coupon) error
}

// Stats summarizes an Apply run.
type Stats struct {
	Products       int
	Coupons        int
	CouponsSkipped int
}

// Apply writes d with at most workers concurrent writes per kind. Products
// are upserted; coupons that already exist are left untouched and counted
// as skipped.
func Apply(ctx context.Context, d *Data, products ProductWriter, coupons CouponWriter, workers int) (Stats, error) {
	workers = max(workers, 1)
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range d.Products {
		g.Go(func() error {
			if err := products.Upsert(gctx, p); err != nil {
				return errors.Wrapf(err, "upsert product %q", p.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	skipped := make([]bool, len(d.Coupons))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range d.Coupons {
		c.CreatedAt, c.UpdatedAt = now, now
		g.Go(func() error {
			err := coupons.Create(gctx, &c)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, coupon.ErrAlreadyExists):
				skipped[i] = true
				return nil
			default:
				return errors.Wrapf(err, "create coupon %q", c.Code)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	st := Stats{Products: len(d.Products)}
	for _, s := range skipped {
		if s {
			st.CouponsSkipped++
		} else {
			st.Coupons++
		}
	}
	return st, nil
}
