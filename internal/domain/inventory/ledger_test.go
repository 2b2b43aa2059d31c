package inventory

import (
	"context"
	"maps"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

type fakeStore struct {
	mu       sync.Mutex
	stock    map[string]int
	released map[string]bool
	// failAfter names a product whose decrement is applied before the store
	// reports a deadline, the way a transaction times out mid-way.
	failAfter  string
	incErr     error
	increments int
}

func newFakeStore(stock map[string]int) *fakeStore {
	return &fakeStore{stock: stock, released: make(map[string]bool)}
}

// ReserveAll works on a copy and publishes it only when every line fits.
func (s *fakeStore) ReserveAll(_ context.Context, lines []Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := maps.Clone(s.stock)
	for _, line := range lines {
		have, ok := staged[line.ProductID]
		if !ok {
			return ErrUnknownProduct
		}
		if have < line.Quantity {
			return &InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity, Available: have}
		}
		staged[line.ProductID] = have - line.Quantity
		if line.ProductID == s.failAfter {
			return context.DeadlineExceeded
		}
	}
	s.stock = staged
	return nil
}

func (s *fakeStore) Increment(_ context.Context, id string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments++
	if s.incErr != nil {
		return s.incErr
	}
	s.stock[id] += qty
	return nil
}

func (s *fakeStore) ClaimRelease(_ context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released[ref] {
		return false, nil
	}
	s.released[ref] = true
	return true, nil
}

func (s *fakeStore) level(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[id]
}

func TestMerge(t *testing.T) {
	got := Merge([]Line{
		{ProductID: "b", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	})
	assert.Equal(t, []Line{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 4},
	}, got)
}

func TestLedger_Reserve(t *testing.T) {
	store := newFakeStore(map[string]int{"a": 5, "b": 2})
	l := NewLedger(store)

	err := l.Reserve(context.Background(), []Line{
		{ProductID: "a", Quantity: 3},
		{ProductID: "b", Quantity: 1},
		{ProductID: "b", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.level("a"))
	assert.Equal(t, 0, store.level("b"))
}

func TestLedger_Reserve_AllOrNothing(t *testing.T) {
	store := newFakeStore(map[string]int{"a": 5, "b": 1, "c": 10})
	l := NewLedger(store)

	err := l.Reserve(context.Background(), []Line{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 2},
		{ProductID: "c", Quantity: 1},
	})

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "b", stockErr.ProductID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, apperr.KindInsufficientStock, apperr.KindOf(err))

	assert.Equal(t, 5, store.level("a"), "a must not be taken")
	assert.Equal(t, 1, store.level("b"))
	assert.Equal(t, 10, store.level("c"), "c must not be touched")
}

func TestLedger_Reserve_TimeoutTakesNothing(t *testing.T) {
	store := newFakeStore(map[string]int{"a": 5, "b": 5})
	store.failAfter = "b"
	l := NewLedger(store)

	err := l.Reserve(context.Background(), []Line{
		{ProductID: "a", Quantity: 1},
		{ProductID: "b", Quantity: 2},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var stockErr *InsufficientStockError
	assert.False(t, errors.As(err, &stockErr))
	assert.Equal(t, 5, store.level("a"))
	assert.Equal(t, 5, store.level("b"))
	assert.Zero(t, store.increments, "nothing was taken, nothing is put back")
}

func TestLedger_Reserve_UnknownProduct(t *testing.T) {
	store := newFakeStore(map[string]int{"a": 5})
	l := NewLedger(store)

	err := l.Reserve(context.Background(), []Line{
		{ProductID: "a", Quantity: 1},
		{ProductID: "zz", Quantity: 1},
	})
	require.ErrorIs(t, err, ErrUnknownProduct)
	assert.Equal(t, 5, store.level("a"))
}

func TestLedger_Reserve_InvalidQuantity(t *testing.T) {
	store := newFakeStore(map[string]int{"a": 5})
	l := NewLedger(store)

	err := l.Reserve(context.Background(), []Line{{ProductID: "a", Quantity: 0}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, 5, store.level("a"))
}

func TestLedger_Release_Idempotent(t *testing.T) {
	store := newFakeStore(map[string]int{"a": 5})
	l := NewLedger(store)
	ctx := context.Background()
	lines := []Line{{ProductID: "a", Quantity: 3}}

	require.NoError(t, l.Reserve(ctx, lines))
	assert.Equal(t, 2, store.level("a"))

	released, err := l.Release(ctx, "order-1", lines)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = l.Release(ctx, "order-1", lines)
	require.NoError(t, err)
	assert.False(t, released)

	assert.Equal(t, 5, store.level("a"))
}

func TestLedger_Release_RequiresRef(t *testing.T) {
	l := NewLedger(newFakeStore(map[string]int{}))
	_, err := l.Release(context.Background(), "", nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLedger_Reserve_Concurrent(t *testing.T) {
	const (
		stock   = 10
		workers = 64
	)
	store := newFakeStore(map[string]int{"a": stock})
	l := NewLedger(store)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(context.Background(), []Line{{ProductID: "a", Quantity: 1}}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, ok)
	assert.Equal(t, 0, store.level("a"))
}
