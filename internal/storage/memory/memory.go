// Package memory implements the checkout stores in process memory.
//
// Every store guards its state with a mutex so that conditional updates
// are atomic. It backs tests and the single-process "memory" storage mode.
package memory

import (
	"context"
	"sync"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/sequence"
)

var (
	_ product.Catalog = (*ProductStore)(nil)
	_ inventory.Store = (*ProductStore)(nil)
	_ sequence.Store  = (*SequenceStore)(nil)
)

// ProductStore holds the catalog together with stock levels.
type ProductStore struct {
	mu       sync.Mutex
	products map[string]product.Product
	released map[string]struct{}
}

// NewProductStore creates a store seeded with products.
func NewProductStore(products ...product.Product) *ProductStore {
	s := &ProductStore{
		products: make(map[string]product.Product, len(products)),
		released: make(map[string]struct{}),
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

// Put inserts or replaces a product.
func (s *ProductStore) Put(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// Upsert is Put with the signature of the PostgreSQL repository.
func (s *ProductStore) Upsert(ctx context.Context, p product.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Put(p)
	return nil
}

// GetByIDs returns the known products among ids.
func (s *ProductStore) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]product.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stock returns the current stock of a product.
func (s *ProductStore) Stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

// ReserveAll checks every line before changing any stock, all under one
// lock.
func (s *ProductStore) ReserveAll(ctx context.Context, lines []inventory.Line) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range lines {
		p, ok := s.products[line.ProductID]
		if !ok {
			return inventory.ErrUnknownProduct
		}
		if p.Stock < line.Quantity {
			return &inventory.InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: p.Stock,
			}
		}
	}
	for _, line := range lines {
		p := s.products[line.ProductID]
		p.Stock -= line.Quantity
		s.products[line.ProductID] = p
	}
	return nil
}

func (s *ProductStore) Increment(ctx context.Context, id string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return inventory.ErrUnknownProduct
	}
	p.Stock += qty
	s.products[id] = p
	return nil
}

func (s *ProductStore) ClaimRelease(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.released[ref]; ok {
		return false, nil
	}
	s.released[ref] = struct{}{}
	return true, nil
}

// SequenceStore keeps one counter per date prefix.
type SequenceStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequenceStore creates an empty SequenceStore.
func NewSequenceStore() *SequenceStore {
	return &SequenceStore{counters: make(map[string]int64)}
}

func (s *SequenceStore) Next(ctx context.Context, prefix string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[prefix]++
	return s.counters[prefix], nil
}
