package couponimport

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// Columns of an import row. Trailing columns after value are optional.
const (
	colCode = iota
	colDiscountType
	colValue
	colMinPurchase
	colMaxDiscount
	colStartsAt
	colEndsAt
	colUsageLimit
	colPerUserLimit
	colDescription
	numColumns
)

// isHeader reports whether rec is the optional header line.
func isHeader(rec []string) bool {
	return len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[colCode]), "code")
}

// ParseRecord converts one CSV row into an active coupon:
//
//	code,discount_type,value[,min_purchase,max_discount,starts_at,ends_at,usage_limit,per_user_limit,description]
//
// Times are RFC 3339. Empty optional fields take their zero value.
func ParseRecord(rec []string) (coupon.Coupon, error) {
	if len(rec) <= colValue || len(rec) > numColumns {
		return coupon.Coupon{}, errors.Errorf("want 3 to %d columns, got %d", numColumns, len(rec))
	}
	field := func(i int) string {
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	value, err := decimal.NewFromString(field(colValue))
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "value")
	}
	c := coupon.Coupon{
		Code:         coupon.Normalize(field(colCode)),
		DiscountType: coupon.DiscountType(strings.ToLower(field(colDiscountType))),
		Value:        value,
		Active:       true,
		Description:  field(colDescription),
	}
	if c.MinPurchase, err = parseInt(field(colMinPurchase)); err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "min_purchase")
	}
	if c.MaxDiscount, err = parseInt(field(colMaxDiscount)); err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "max_discount")
	}
	if c.StartsAt, err = parseTime(field(colStartsAt)); err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "starts_at")
	}
	if c.EndsAt, err = parseTime(field(colEndsAt)); err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "ends_at")
	}
	usage, err := parseInt(field(colUsageLimit))
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "usage_limit")
	}
	perUser, err := parseInt(field(colPerUserLimit))
	if err != nil {
		return coupon.Coupon{}, errors.Wrap(err, "per_user_limit")
	}
	c.UsageLimit, c.PerUserLimit = int(usage), int(perUser)

	if err := c.Check(); err != nil {
		return coupon.Coupon{}, err
	}
	return c, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 32)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
