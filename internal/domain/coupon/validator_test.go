package coupon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestValidate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-24 * time.Hour)
	future := fixedNow.Add(24 * time.Hour)

	base := func() *Coupon {
		return &Coupon{
			Code:         "SAVE10",
			DiscountType: DiscountPercentage,
			Value:        d("10"),
			Active:       true,
		}
	}

	tests := []struct {
		name      string
		mutate    func(c *Coupon)
		subtotal  int64
		userUsage int
		want      Reason
	}{
		{name: "valid", subtotal: 1000, userUsage: -1},
		{
			name:     "inactive",
			mutate:   func(c *Coupon) { c.Active = false },
			subtotal: 1000, userUsage: -1,
			want: ReasonInactive,
		},
		{
			name:     "not started",
			mutate:   func(c *Coupon) { c.StartsAt = &future },
			subtotal: 1000, userUsage: -1,
			want: ReasonNotStarted,
		},
		{
			name:     "starts exactly now is valid",
			mutate:   func(c *Coupon) { c.StartsAt = &fixedNow },
			subtotal: 1000, userUsage: -1,
		},
		{
			name:     "expired",
			mutate:   func(c *Coupon) { c.EndsAt = &past },
			subtotal: 1000, userUsage: -1,
			want: ReasonExpired,
		},
		{
			name:     "end is exclusive",
			mutate:   func(c *Coupon) { c.EndsAt = &fixedNow },
			subtotal: 1000, userUsage: -1,
			want: ReasonExpired,
		},
		{
			name: "inside window",
			mutate: func(c *Coupon) {
				c.StartsAt = &past
				c.EndsAt = &future
			},
			subtotal: 1000, userUsage: -1,
		},
		{
			name:     "below minimum",
			mutate:   func(c *Coupon) { c.MinPurchase = 5000 },
			subtotal: 4999, userUsage: -1,
			want: ReasonBelowMinimum,
		},
		{
			name:     "at minimum",
			mutate:   func(c *Coupon) { c.MinPurchase = 5000 },
			subtotal: 5000, userUsage: -1,
		},
		{
			name: "global usage exhausted",
			mutate: func(c *Coupon) {
				c.UsageLimit = 100
				c.UsageCount = 100
			},
			subtotal: 1000, userUsage: -1,
			want: ReasonUsageExceeded,
		},
		{
			name: "unlimited usage",
			mutate: func(c *Coupon) {
				c.UsageLimit = 0
				c.UsageCount = 9999
			},
			subtotal: 1000, userUsage: -1,
		},
		{
			name:     "per user exhausted",
			mutate:   func(c *Coupon) { c.PerUserLimit = 1 },
			subtotal: 1000, userUsage: 1,
			want: ReasonUserUsageExceeded,
		},
		{
			name:     "per user skipped for unknown user",
			mutate:   func(c *Coupon) { c.PerUserLimit = 1 },
			subtotal: 1000, userUsage: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			if tt.mutate != nil {
				tt.mutate(c)
			}

			err := Validate(c, fixedNow, tt.subtotal, tt.userUsage)
			if tt.want == "" {
				require.NoError(t, err)
				return
			}

			var invalid *InvalidError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.want, invalid.Reason)
			assert.Equal(t, "SAVE10", invalid.Code)
		})
	}
}

func TestComputeDiscount(t *testing.T) {
	tests := []struct {
		name     string
		coupon   Coupon
		subtotal int64
		want     int64
	}{
		{
			name:     "percentage capped at max discount",
			coupon:   Coupon{DiscountType: DiscountPercentage, Value: d("10"), MaxDiscount: 1000},
			subtotal: 12000,
			want:     1000,
		},
		{
			name:     "percentage under cap",
			coupon:   Coupon{DiscountType: DiscountPercentage, Value: d("10"), MaxDiscount: 1000},
			subtotal: 8000,
			want:     800,
		},
		{
			name:     "percentage floors fractional yen",
			coupon:   Coupon{DiscountType: DiscountPercentage, Value: d("15"), MaxDiscount: 0},
			subtotal: 999,
			want:     149, // 149.85
		},
		{
			name:     "fractional percentage",
			coupon:   Coupon{DiscountType: DiscountPercentage, Value: d("12.5")},
			subtotal: 1000,
			want:     125,
		},
		{
			name:     "100 percent equals subtotal",
			coupon:   Coupon{DiscountType: DiscountPercentage, Value: d("100")},
			subtotal: 4321,
			want:     4321,
		},
		{
			name:     "fixed below subtotal",
			coupon:   Coupon{DiscountType: DiscountFixed, Value: d("500")},
			subtotal: 3000,
			want:     500,
		},
		{
			name:     "fixed capped at subtotal",
			coupon:   Coupon{DiscountType: DiscountFixed, Value: d("2000")},
			subtotal: 1500,
			want:     1500,
		},
		{
			name:     "zero subtotal",
			coupon:   Coupon{DiscountType: DiscountFixed, Value: d("2000")},
			subtotal: 0,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeDiscount(&tt.coupon, tt.subtotal))
		})
	}
}

func TestCoupon_Check(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	valid := Coupon{Code: "OK", DiscountType: DiscountFixed, Value: d("300")}
	require.NoError(t, valid.Check())

	tests := []struct {
		name   string
		mutate func(c *Coupon)
	}{
		{name: "missing code", mutate: func(c *Coupon) { c.Code = "" }},
		{name: "unknown type", mutate: func(c *Coupon) { c.DiscountType = "free_lowest" }},
		{name: "zero value", mutate: func(c *Coupon) { c.Value = decimal.Zero }},
		{name: "fractional fixed", mutate: func(c *Coupon) { c.Value = d("10.5") }},
		{name: "percentage over 100", mutate: func(c *Coupon) {
			c.DiscountType = DiscountPercentage
			c.Value = d("101")
		}},
		{name: "negative limit", mutate: func(c *Coupon) { c.UsageLimit = -1 }},
		{name: "inverted window", mutate: func(c *Coupon) {
			c.StartsAt = &start
			c.EndsAt = &end
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			require.Error(t, c.Check())
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "SUMMER10", Normalize("  summer10 "))
	assert.Equal(t, "", Normalize("   "))
}
