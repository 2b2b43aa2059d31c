package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

type paymentWebhookResponse struct {
	OrderID       string `json:"orderId"`
	OrderNumber   string `json:"orderNumber"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

// PaymentWebhook applies a signed payment gateway callback. Rejected
// callbacks get 400 so that the gateway retries them.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, &apperr.PaymentCallbackError{Reason: "read body", Err: err})
		return
	}
	if err := verifySignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)); err != nil {
		writeError(w, r, err)
		return
	}
	cb, err := decodePaymentCallback(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.HandlePaymentCallback(r.Context(), cb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentWebhookResponse{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
	})
}

// decodePaymentCallback reads {"orderRef","outcome","eventId"}. Unknown keys
// are skipped; every value must be a string.
func decodePaymentCallback(body []byte) (order.PaymentCallback, error) {
	var cb order.PaymentCallback
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "orderRef":
			cb.OrderRef, err = d.Str()
		case "outcome":
			var v string
			v, err = d.Str()
			cb.Outcome = order.PaymentOutcome(v)
		case "eventId":
			cb.EventID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return order.PaymentCallback{}, &apperr.PaymentCallbackError{Reason: "malformed body", Err: err}
	}
	return cb, nil
}
