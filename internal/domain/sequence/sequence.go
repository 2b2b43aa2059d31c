// Package sequence issues human-facing order numbers of the form YYMMDDNNNN.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// MaxPerDay is the largest sequence value that fits the 4-digit suffix.
const MaxPerDay = 9999

const prefixLayout = "060102"

// ErrSequenceExhausted is returned when a day has used every order number.
var ErrSequenceExhausted = errors.New("daily order sequence exhausted")

// Store holds per-day counters.
type Store interface {
	// Next atomically increments the counter for prefix, creating it at 1 if
	// absent, and returns the new value.
	Next(ctx context.Context, prefix string) (int64, error)
}

// AllocationError reports a failure to issue an order number. No order is
// created when it is returned.
type AllocationError struct {
	Prefix string
	Err    error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate order number for %s: %v", e.Prefix, e.Err)
}

func (e *AllocationError) Unwrap() error     { return e.Err }
func (e *AllocationError) Kind() apperr.Kind { return apperr.KindAllocation }

// Retryable reports false once the day is exhausted.
func (e *AllocationError) Retryable() bool {
	return !errors.Is(e.Err, ErrSequenceExhausted)
}

// Allocator formats counter values into order numbers.
type Allocator struct {
	store Store
	loc   *time.Location
}

// NewAllocator returns an Allocator that derives the day boundary from loc.
// A nil loc means UTC.
func NewAllocator(store Store, loc *time.Location) *Allocator {
	if loc == nil {
		loc = time.UTC
	}
	return &Allocator{store: store, loc: loc}
}

// Prefix returns the date prefix used for t.
func (a *Allocator) Prefix(t time.Time) string {
	return t.In(a.loc).Format(prefixLayout)
}

// Allocate issues the next order number for the calendar day containing date.
func (a *Allocator) Allocate(ctx context.Context, date time.Time) (string, error) {
	prefix := a.Prefix(date)

	n, err := a.store.Next(ctx, prefix)
	if err != nil {
		return "", &AllocationError{Prefix: prefix, Err: err}
	}
	if n < 1 || n > MaxPerDay {
		return "", &AllocationError{Prefix: prefix, Err: ErrSequenceExhausted}
	}

	return Format(prefix, n), nil
}

// Format renders an order number from its prefix and sequence value.
func Format(prefix string, n int64) string {
	return fmt.Sprintf("%s%04d", prefix, n)
}
