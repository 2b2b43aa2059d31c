package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/storage/memory"
)

func TestLoad_Catalog(t *testing.T) {
	d, err := Load(filepath.Join("..", "..", "db", "seed", "catalog.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, d.Products)
	assert.NotEmpty(t, d.Coupons)
	for _, c := range d.Coupons {
		assert.Equal(t, coupon.Normalize(c.Code), c.Code)
		assert.True(t, c.Active)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"unknown field", `{"products":[],"orders":[]}`, "decode"},
		{"missing id", `{"products":[{"name":"x","price":1}]}`, "without id"},
		{"negative stock", `{"products":[{"id":"p","price":1,"stock":-1}]}`, "must not be negative"},
		{"duplicate product", `{"products":[{"id":"p"},{"id":"p"}]}`, "listed twice"},
		{"bad coupon", `{"coupons":[{"code":"X","discountType":"percentage","value":"120"}]}`, "percentage must not exceed 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	d, err := Parse(strings.NewReader(`{
		"products": [
			{"id": "p1", "name": "Kettle", "sku": "K-1", "price": 4000, "stock": 3},
			{"id": "p2", "name": "Cup", "sku": "C-1", "price": 500, "stock": 10}
		],
		"coupons": [
			{"code": "new", "discountType": "fixed", "value": "100"},
			{"code": "OLD", "discountType": "percentage", "value": "5", "inactive": true}
		]
	}`))
	require.NoError(t, err)

	products := memory.NewProductStore()
	coupons := memory.NewCouponStore(coupon.Coupon{Code: "OLD", DiscountType: coupon.DiscountFixed, Active: true})

	st, err := Apply(ctx, d, products, coupons, 4)
	require.NoError(t, err)
	assert.Equal(t, Stats{Products: 2, Coupons: 1, CouponsSkipped: 1}, st)
	assert.Equal(t, 3, products.Stock("p1"))

	created, err := coupons.FindByCode(ctx, "NEW")
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	old, err := coupons.FindByCode(ctx, "OLD")
	require.NoError(t, err)
	assert.True(t, old.Active, "existing coupons are left untouched")

	// Re-applying overwrites stock levels.
	d.Products[0].Stock = 9
	_, err = Apply(ctx, d, products, coupons, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, products.Stock("p1"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
