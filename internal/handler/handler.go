// Package handler exposes the checkout service over HTTP.
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// WebhookSecret is the HMAC key shared with the payment gateway.
	WebhookSecret []byte
}

// Handler serves the checkout API.
type Handler struct {
	orders        *order.Service
	coupons       *coupon.Engine
	tokens        *auth.Tokens
	webhookSecret []byte
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg Config, orders *order.Service, coupons *coupon.Engine, tokens *auth.Tokens) *Handler {
	return &Handler{
		orders:        orders,
		coupons:       coupons,
		tokens:        tokens,
		webhookSecret: cfg.WebhookSecret,
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
			r.Post("/coupons/validate", h.ValidateCoupon)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Patch("/orders/{id}/status", h.UpdateOrderStatus)
				r.Post("/coupons", h.CreateCoupon)
				r.Patch("/coupons/{code}", h.UpdateCoupon)
			})
		})
	})
}

// decodeJSON strictly decodes the request body into v. Unknown fields are
// rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("body", "required")
		}
		return apperr.Invalid("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
