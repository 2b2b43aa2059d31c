package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Details any    `json:"details,omitempty"`
}

type stockDetails struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type couponDetails struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:        http.StatusBadRequest,
	apperr.KindInsufficientStock: http.StatusConflict,
	apperr.KindCouponInvalid:     http.StatusUnprocessableEntity,
	apperr.KindAllocation:        http.StatusServiceUnavailable,
	apperr.KindTransient:         http.StatusServiceUnavailable,
	apperr.KindStateTransition:   http.StatusConflict,
	apperr.KindPaymentCallback:   http.StatusBadRequest,
	apperr.KindNotFound:          http.StatusNotFound,
	apperr.KindForbidden:         http.StatusForbidden,
	apperr.KindUnauthorized:      http.StatusUnauthorized,
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	if status, ok := statusByKind[apperr.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders err. Internal details are logged, not returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := StatusOf(err)
	resp := errorResponse{Code: string(kind), Message: err.Error()}

	var ce *order.CheckoutError
	if errors.As(err, &ce) {
		resp.Step = string(ce.Step)
	}
	var stockErr *inventory.InsufficientStockError
	var couponErr *coupon.InvalidError
	switch {
	case errors.As(err, &stockErr):
		resp.Details = stockDetails{
			ProductID: stockErr.ProductID,
			Requested: stockErr.Requested,
			Available: stockErr.Available,
		}
	case errors.As(err, &couponErr):
		resp.Details = couponDetails{Code: couponErr.Code, Reason: string(couponErr.Reason)}
	}

	lg := zctx.From(r.Context())
	switch {
	case status == http.StatusInternalServerError:
		lg.Error("Request failed", zap.Error(err))
		resp.Code = string(apperr.KindInternal)
		resp.Message = "internal error"
	case status == http.StatusServiceUnavailable:
		lg.Warn("Request failed", zap.Error(err), zap.Bool("retryable", apperr.Retryable(err)))
		w.Header().Set("Retry-After", "1")
	default:
		lg.Debug("Request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, resp)
}
