package memory

import (
	"context"
	"sync"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

var _ coupon.Repository = (*CouponStore)(nil)

type usageKey struct {
	orderID string
	code    string
}

// CouponStore holds coupons and their usage ledger.
type CouponStore struct {
	mu      sync.Mutex
	coupons map[string]coupon.Coupon
	ledger  map[usageKey]coupon.Usage
}

// NewCouponStore creates a store seeded with coupons.
func NewCouponStore(coupons ...coupon.Coupon) *CouponStore {
	s := &CouponStore{
		coupons: make(map[string]coupon.Coupon, len(coupons)),
		ledger:  make(map[usageKey]coupon.Usage),
	}
	for _, c := range coupons {
		s.coupons[c.Code] = c
	}
	return s
}

func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return &c, nil
}

// ForEachCode calls fn for a snapshot of the stored codes.
func (s *CouponStore) ForEachCode(ctx context.Context, fn func(code string) error) error {
	s.mu.Lock()
	codes := make([]string, 0, len(s.coupons))
	for code := range s.coupons {
		codes = append(codes, code)
	}
	s.mu.Unlock()

	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(code); err != nil {
			return err
		}
	}
	return nil
}

func (s *CouponStore) CountUserUsage(ctx context.Context, code, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(code, userID), nil
}

func (s *CouponStore) countLocked(code, userID string) int {
	n := 0
	for k, u := range s.ledger {
		if k.code == code && u.UserID == userID {
			n++
		}
	}
	return n
}

// Commit claims a usage slot for u under the store lock.
func (s *CouponStore) Commit(ctx context.Context, u coupon.Usage) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[u.Code]
	if !ok {
		return false, coupon.ErrNotFound
	}
	key := usageKey{orderID: u.OrderID, code: u.Code}
	if _, dup := s.ledger[key]; dup {
		return false, nil
	}
	if c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit {
		return false, coupon.ErrUsageLimitReached
	}
	if c.PerUserLimit > 0 && u.UserID != "" && s.countLocked(u.Code, u.UserID) >= c.PerUserLimit {
		return false, coupon.ErrUserLimitReached
	}

	c.UsageCount++
	s.coupons[u.Code] = c
	s.ledger[key] = u
	return true, nil
}

// Revoke drops the ledger entry of orderID and returns its slot.
func (s *CouponStore) Revoke(ctx context.Context, code, orderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey{orderID: orderID, code: code}
	if _, ok := s.ledger[key]; !ok {
		return false, nil
	}
	delete(s.ledger, key)
	if c, ok := s.coupons[code]; ok && c.UsageCount > 0 {
		c.UsageCount--
		s.coupons[code] = c
	}
	return true, nil
}

func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.coupons[c.Code]; ok {
		return coupon.ErrAlreadyExists
	}
	s.coupons[c.Code] = *c
	return nil
}

func (s *CouponStore) Update(ctx context.Context, code string, p coupon.Patch) (*coupon.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	next := p.Apply(c)
	s.coupons[code] = next
	return &next, nil
}
