// Package auth identifies who is calling the checkout service.
package auth

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Role is the access level of a requester.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Requester is an authenticated caller.
type Requester struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether r may perform administrative actions.
func (r Requester) IsAdmin() bool { return r.Role == RoleAdmin }

// CanAccess reports whether r may read a record owned by ownerID.
func (r Requester) CanAccess(ownerID string) bool {
	return r.IsAdmin() || (r.UserID != "" && r.UserID == ownerID)
}

type requesterKey struct{}

// WithRequester returns a copy of ctx carrying r.
func WithRequester(ctx context.Context, r Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, r)
}

// FromContext returns the requester stored in ctx.
func FromContext(ctx context.Context) (Requester, bool) {
	r, ok := ctx.Value(requesterKey{}).(Requester)
	return r, ok
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

// NewTokens returns Tokens signing with secret.
func NewTokens(secret []byte) *Tokens {
	return &Tokens{secret: secret, now: time.Now}
}

// Issue signs a token for r valid for ttl.
func (t *Tokens) Issue(r Requester, ttl time.Duration) (string, error) {
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: r.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   r.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// Parse verifies raw and returns the requester it identifies.
func (t *Tokens) Parse(raw string) (Requester, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Requester{}, errors.Wrap(apperr.ErrUnauthorized, err.Error())
	}
	if c.Subject == "" {
		return Requester{}, errors.Wrap(apperr.ErrUnauthorized, "token has no subject")
	}
	switch c.Role {
	case RoleUser, RoleAdmin:
	case "":
		c.Role = RoleUser
	default:
		return Requester{}, errors.Wrapf(apperr.ErrUnauthorized, "unknown role %q", c.Role)
	}
	return Requester{UserID: c.Subject, Role: c.Role}, nil
}
