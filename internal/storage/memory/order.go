package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

var _ order.Repository = (*OrderStore)(nil)

// OrderStore keeps orders indexed by id and number.
type OrderStore struct {
	mu       sync.RWMutex
	byID     map[string]order.Order
	byNumber map[string]string
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:     make(map[string]order.Order),
		byNumber: make(map[string]string),
	}
}

func clone(o order.Order) *order.Order {
	o.Items = slices.Clone(o.Items)
	if o.Tracking != nil {
		tr := *o.Tracking
		o.Tracking = &tr
	}
	return &o
}

func (s *OrderStore) Create(ctx context.Context, o *order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNumber[o.Number]; ok {
		return order.ErrDuplicateNumber
	}
	s.byID[o.ID] = *clone(*o)
	s.byNumber[o.Number] = o.ID
	return nil
}

func (s *OrderStore) Discard(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != order.StatusPending {
		return order.ErrStatusConflict
	}
	delete(s.byID, id)
	delete(s.byNumber, o.Number)
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(o), nil
}

func (s *OrderStore) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNumber[number]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *OrderStore) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]order.Order, 0)
	for _, o := range s.byID {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *clone(o))
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b order.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Number, a.Number)
	})

	if f.Offset >= len(out) {
		return []order.Order{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition applies u when the stored status equals from.
func (s *OrderStore) Transition(ctx context.Context, id string, from order.Status, u order.Update) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Status != from {
		return nil, order.ErrStatusConflict
	}
	u.ApplyTo(&o)
	s.byID[id] = o
	return clone(o), nil
}
