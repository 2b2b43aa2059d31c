package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) on payment webhooks.
const SignatureHeader = "X-Signature"

// Authenticate resolves the bearer token into a requester stored in the
// request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, apperr.ErrUnauthorized)
			return
		}
		requester, err := h.tokens.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := auth.WithRequester(r.Context(), requester)
		ctx = zctx.With(ctx, zap.String("user_id", requester.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requesters without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requester, ok := auth.FromContext(r.Context())
		if !ok {
			writeError(w, r, apperr.ErrUnauthorized)
			return
		}
		if !requester.IsAdmin() {
			writeError(w, r, apperr.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requesterFrom(r *http.Request) (auth.Requester, error) {
	requester, ok := auth.FromContext(r.Context())
	if !ok {
		return auth.Requester{}, apperr.ErrUnauthorized
	}
	return requester, nil
}

// Sign returns the signature the gateway sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature compares in constant time.
func verifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return &apperr.PaymentCallbackError{Reason: "webhook secret not configured"}
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return &apperr.PaymentCallbackError{Reason: "missing or malformed signature", Err: err}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return &apperr.PaymentCallbackError{Reason: "signature mismatch"}
	}
	return nil
}
