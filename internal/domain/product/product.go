package product

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product represents a catalog item available for purchase. Price is in
// integer yen.
type Product struct {
	ID    string
	Name  string
	SKU   string
	Price int64
	Image string
	Stock int
}

// Catalog defines read operations for the product catalog.
type Catalog interface {
	// GetByIDs returns the products with the given ids. Unknown ids are
	// omitted from the result rather than reported as errors.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
