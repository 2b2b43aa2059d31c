package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

type validateCouponRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

type validateCouponResponse struct {
	Valid    bool   `json:"valid"`
	Code     string `json:"code"`
	Discount int64  `json:"discount"`
	Reason   string `json:"reason,omitempty"`
}

type couponRequest struct {
	Code         string          `json:"code"`
	DiscountType string          `json:"discountType"`
	Value        decimal.Decimal `json:"value"`
	MinPurchase  int64           `json:"minPurchase,omitempty"`
	MaxDiscount  int64           `json:"maxDiscount,omitempty"`
	StartsAt     *time.Time      `json:"startsAt,omitempty"`
	EndsAt       *time.Time      `json:"endsAt,omitempty"`
	Active       *bool           `json:"active,omitempty"`
	UsageLimit   int             `json:"usageLimit,omitempty"`
	PerUserLimit int             `json:"perUserLimit,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// couponPatchRequest lists exactly the fields an administrator may change.
type couponPatchRequest struct {
	Description  *string          `json:"description"`
	DiscountType *string          `json:"discountType"`
	Value        *decimal.Decimal `json:"value"`
	MinPurchase  *int64           `json:"minPurchase"`
	MaxDiscount  *int64           `json:"maxDiscount"`
	StartsAt     *time.Time       `json:"startsAt"`
	EndsAt       *time.Time       `json:"endsAt"`
	Active       *bool            `json:"active"`
	UsageLimit   *int             `json:"usageLimit"`
	PerUserLimit *int             `json:"perUserLimit"`

	// ClearStartsAt and ClearEndsAt remove a bound of the validity window.
	ClearStartsAt bool `json:"clearStartsAt"`
	ClearEndsAt   bool `json:"clearEndsAt"`
}

type couponResponse struct {
	Code         string          `json:"code"`
	DiscountType string          `json:"discountType"`
	Value        decimal.Decimal `json:"value"`
	MinPurchase  int64           `json:"minPurchase"`
	MaxDiscount  int64           `json:"maxDiscount"`
	StartsAt     *time.Time      `json:"startsAt,omitempty"`
	EndsAt       *time.Time      `json:"endsAt,omitempty"`
	Active       bool            `json:"active"`
	UsageCount   int             `json:"usageCount"`
	UsageLimit   int             `json:"usageLimit"`
	PerUserLimit int             `json:"perUserLimit"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func toCouponResponse(c *coupon.Coupon) couponResponse {
	return couponResponse{
		Code:         c.Code,
		DiscountType: string(c.DiscountType),
		Value:        c.Value,
		MinPurchase:  c.MinPurchase,
		MaxDiscount:  c.MaxDiscount,
		StartsAt:     c.StartsAt,
		EndsAt:       c.EndsAt,
		Active:       c.Active,
		UsageCount:   c.UsageCount,
		UsageLimit:   c.UsageLimit,
		PerUserLimit: c.PerUserLimit,
		Description:  c.Description,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// ValidateCoupon previews a coupon for a subtotal. It never consumes usage.
// An inapplicable coupon is a successful response with valid=false.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req validateCouponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	q, err := h.coupons.Preview(r.Context(), req.Code, req.Subtotal, requester.UserID)
	var invalid *coupon.InvalidError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusOK, validateCouponResponse{
			Code:   invalid.Code,
			Reason: string(invalid.Reason),
		})
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, validateCouponResponse{
			Valid:    true,
			Code:     q.Coupon.Code,
			Discount: q.Discount,
		})
	}
}

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	c, err := h.coupons.Create(r.Context(), coupon.Coupon{
		Code:         req.Code,
		DiscountType: coupon.DiscountType(req.DiscountType),
		Value:        req.Value,
		MinPurchase:  req.MinPurchase,
		MaxDiscount:  req.MaxDiscount,
		StartsAt:     req.StartsAt,
		EndsAt:       req.EndsAt,
		Active:       active,
		UsageLimit:   req.UsageLimit,
		PerUserLimit: req.PerUserLimit,
		Description:  req.Description,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCouponResponse(c))
}

// UpdateCoupon applies an allow-listed patch. Unknown fields, including
// code and usageCount, are rejected.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p := coupon.Patch{
		Description:  req.Description,
		Value:        req.Value,
		MinPurchase:  req.MinPurchase,
		MaxDiscount:  req.MaxDiscount,
		StartsAt:     req.StartsAt,
		EndsAt:       req.EndsAt,
		Active:       req.Active,
		UsageLimit:   req.UsageLimit,
		PerUserLimit: req.PerUserLimit,

		ClearStartsAt: req.ClearStartsAt,
		ClearEndsAt:   req.ClearEndsAt,
	}
	if req.DiscountType != nil {
		dt := coupon.DiscountType(*req.DiscountType)
		p.DiscountType = &dt
	}

	c, err := h.coupons.Update(r.Context(), chi.URLParam(r, "code"), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}
