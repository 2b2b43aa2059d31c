package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

type itemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Items           []itemRequest `json:"items"`
	ShippingAddress order.Address `json:"shippingAddress"`
	PaymentMethod   string        `json:"paymentMethod"`
	CouponCode      string        `json:"couponCode,omitempty"`
	TermsAccepted   bool          `json:"termsAccepted"`
	PrivacyAccepted bool          `json:"privacyAccepted"`
}

type statusUpdateRequest struct {
	Status         string     `json:"status"`
	Carrier        string     `json:"carrier,omitempty"`
	TrackingNumber string     `json:"trackingNumber,omitempty"`
	ShippedAt      *time.Time `json:"shippedAt,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type trackingResponse struct {
	Carrier   string    `json:"carrier"`
	Number    string    `json:"number"`
	ShippedAt time.Time `json:"shippedAt"`
}

type orderResponse struct {
	ID              string            `json:"id"`
	Number          string            `json:"number"`
	UserID          string            `json:"userId"`
	Items           []order.LineItem  `json:"items"`
	Subtotal        int64             `json:"subtotal"`
	Discount        int64             `json:"discount"`
	Tax             int64             `json:"tax"`
	ShippingFee     int64             `json:"shippingFee"`
	Total           int64             `json:"total"`
	CouponCode      string            `json:"couponCode,omitempty"`
	Status          string            `json:"status"`
	PaymentMethod   string            `json:"paymentMethod"`
	PaymentStatus   string            `json:"paymentStatus"`
	ShippingAddress order.Address     `json:"shippingAddress"`
	Tracking        *trackingResponse `json:"tracking,omitempty"`
	CancelReason    string            `json:"cancelReason,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	PaidAt          *time.Time        `json:"paidAt,omitempty"`
	ShippedAt       *time.Time        `json:"shippedAt,omitempty"`
	DeliveredAt     *time.Time        `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time        `json:"cancelledAt,omitempty"`
	RefundedAt      *time.Time        `json:"refundedAt,omitempty"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

func toOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		Number:          o.Number,
		UserID:          o.UserID,
		Items:           o.Items,
		Subtotal:        o.Subtotal,
		Discount:        o.Discount,
		Tax:             o.Tax,
		ShippingFee:     o.ShippingFee,
		Total:           o.Total,
		CouponCode:      o.CouponCode,
		Status:          string(o.Status),
		PaymentMethod:   string(o.PaymentMethod),
		PaymentStatus:   string(o.PaymentStatus),
		ShippingAddress: o.ShippingAddress,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		PaidAt:          o.PaidAt,
		ShippedAt:       o.ShippedAt,
		DeliveredAt:     o.DeliveredAt,
		CancelledAt:     o.CancelledAt,
		RefundedAt:      o.RefundedAt,
	}
	if o.Tracking != nil {
		resp.Tracking = &trackingResponse{
			Carrier:   o.Tracking.Carrier,
			Number:    o.Tracking.Number,
			ShippedAt: o.Tracking.ShippedAt,
		}
	}
	if resp.Items == nil {
		resp.Items = []order.LineItem{}
	}
	return resp
}

// CreateOrder places an order for the authenticated user.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]order.ItemRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = order.ItemRequest{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	o, err := h.orders.CreateOrder(r.Context(), order.CreateOrderRequest{
		UserID:          requester.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   order.PaymentMethod(req.PaymentMethod),
		CouponCode:      req.CouponCode,
		TermsAccepted:   req.TermsAccepted,
		PrivacyAccepted: req.PrivacyAccepted,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"), requester)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// ListOrders supports ?status=, ?limit=, ?offset= and, for admins, ?userId=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := order.Filter{
		UserID: q.Get("userId"),
		Status: order.Status(q.Get("status")),
	}
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		writeError(w, r, err)
		return
	}

	orders, err := h.orders.ListOrders(r.Context(), requester, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := f.Limit
	if limit == 0 {
		limit = order.DefaultListLimit
	}
	resp := orderListResponse{
		Orders: make([]orderResponse, len(orders)),
		Limit:  min(limit, order.MaxListLimit),
		Offset: f.Offset,
	}
	for i := range orders {
		resp.Orders[i] = toOrderResponse(&orders[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	o, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "id"), requester, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// UpdateOrderStatus is the administrative status change.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	requester, err := requesterFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req statusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ch := order.StatusChange{Status: order.Status(req.Status), Reason: req.Reason}
	if req.Carrier != "" || req.TrackingNumber != "" || req.ShippedAt != nil {
		ch.Tracking = &order.TrackingInfo{
			Carrier:   req.Carrier,
			Number:    req.TrackingNumber,
			ShippedAt: req.ShippedAt,
		}
	}
	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"), requester, ch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}
