// Package inventory reserves and releases product stock.
//
// Every change to a stock level goes through Store. A cart is reserved by
// one ReserveAll call that takes every line or none of them, so a failure
// never leaves part of a cart taken. Ledger never reads a quantity and
// writes it back.
package inventory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"go.uber.org/multierr"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// ErrUnknownProduct is returned by Store when no stock record exists.
var ErrUnknownProduct = errors.New("unknown product")

// Line is a quantity of a single product.
type Line struct {
	ProductID string
	Quantity  int
}

// Store performs atomic stock mutations.
type Store interface {
	// ReserveAll subtracts every line's quantity in one atomic step. When a
	// line cannot be covered it returns *InsufficientStockError for that
	// line. Any error means no stock was taken.
	ReserveAll(ctx context.Context, lines []Line) error
	// Increment adds qty back to the product's stock.
	Increment(ctx context.Context, productID string, qty int) error
	// ClaimRelease records that the reservation identified by ref has been
	// released. It returns false if ref was already claimed.
	ClaimRelease(ctx context.Context, ref string) (bool, error)
}

// InsufficientStockError reports that a product cannot cover a reservation.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Kind() apperr.Kind { return apperr.KindInsufficientStock }

// Ledger reserves stock for whole carts.
type Ledger struct {
	store Store
}

// NewLedger creates a Ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Merge folds duplicate products together and orders the result by product
// id so that concurrent reservations touch rows in the same order.
func Merge(lines []Line) []Line {
	qty := make(map[string]int, len(lines))
	for _, l := range lines {
		qty[l.ProductID] += l.Quantity
	}
	merged := make([]Line, 0, len(qty))
	for id, q := range qty {
		merged = append(merged, Line{ProductID: id, Quantity: q})
	}
	slices.SortFunc(merged, func(a, b Line) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})
	return merged
}

// Reserve takes stock for every line or for none of them.
func (l *Ledger) Reserve(ctx context.Context, lines []Line) error {
	merged := Merge(lines)
	for _, line := range merged {
		if line.Quantity < 1 {
			return apperr.Invalid("quantity", fmt.Sprintf("must be at least 1 for product %s", line.ProductID))
		}
	}

	if err := l.store.ReserveAll(ctx, merged); err != nil {
		var stockErr *InsufficientStockError
		if errors.As(err, &stockErr) {
			return stockErr
		}
		return errors.Wrap(err, "reserve stock")
	}
	return nil
}

// Release returns the stock of a reservation identified by ref. Only the
// first call for a ref has an effect.
func (l *Ledger) Release(ctx context.Context, ref string, lines []Line) (bool, error) {
	if ref == "" {
		return false, apperr.Invalid("ref", "required")
	}

	claimed, err := l.store.ClaimRelease(ctx, ref)
	if err != nil {
		return false, errors.Wrapf(err, "claim release %s", ref)
	}
	if !claimed {
		return false, nil
	}

	if err := l.restock(ctx, Merge(lines)); err != nil {
		return false, errors.Wrapf(err, "release %s", ref)
	}
	return true, nil
}

func (l *Ledger) restock(ctx context.Context, lines []Line) error {
	var errs error
	for _, line := range lines {
		if err := l.store.Increment(ctx, line.ProductID, line.Quantity); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "restock %s", line.ProductID))
		}
	}
	return errs
}
