package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

const (
	getProductsByIDsSQL = `SELECT id, name, sku, price, image, stock
		FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, name, sku, price, image, stock)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, sku = EXCLUDED.sku,
			price = EXCLUDED.price, image = EXCLUDED.image, stock = EXCLUDED.stock,
			updated_at = now()`

	decrementStockSQL = `UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2 RETURNING stock`

	incrementStockSQL = `UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`

	getStockSQL = `SELECT stock FROM products WHERE id = $1`

	claimReleaseSQL = `INSERT INTO stock_releases (order_ref) VALUES ($1)
		ON CONFLICT (order_ref) DO NOTHING`
)

var (
	_ product.Catalog = (*ProductRepository)(nil)
	_ inventory.Store = (*ProductRepository)(nil)
)

// ProductRepository serves the catalog and the stock ledger from the
// products table.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByIDs returns the products whose ids are listed. Unknown ids are
// omitted.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, classify("get products", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, classify("get products", err)
	}
	return products, nil
}

// Upsert inserts p or overwrites the stored product with the same id.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.SKU, p.Price, p.Image, p.Stock)
	if err != nil {
		return classify(fmt.Sprintf("upsert product %q", p.ID), err)
	}
	return nil
}

// ReserveAll runs one conditional decrement per line inside a single
// transaction. Lines are expected in product id order so that concurrent
// reservations lock rows in the same order.
func (r *ProductRepository) ReserveAll(ctx context.Context, lines []inventory.Line) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, line := range lines {
			if err := decrementStock(ctx, tx, line); err != nil {
				return err
			}
		}
		return nil
	})
}

func decrementStock(ctx context.Context, tx pgx.Tx, line inventory.Line) error {
	var left int
	err := tx.QueryRow(ctx, decrementStockSQL, line.ProductID, line.Quantity).Scan(&left)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return classify(fmt.Sprintf("decrement stock of %q", line.ProductID), err)
	}

	var available int
	err = tx.QueryRow(ctx, getStockSQL, line.ProductID).Scan(&available)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return inventory.ErrUnknownProduct
	case err != nil:
		return classify(fmt.Sprintf("read stock of %q", line.ProductID), err)
	}
	return &inventory.InsufficientStockError{
		ProductID: line.ProductID,
		Requested: line.Quantity,
		Available: available,
	}
}

func (r *ProductRepository) Increment(ctx context.Context, id string, qty int) error {
	tag, err := r.pool.Exec(ctx, incrementStockSQL, id, qty)
	if err != nil {
		return classify(fmt.Sprintf("increment stock of %q", id), err)
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrUnknownProduct
	}
	return nil
}

// ClaimRelease records ref in stock_releases. Only the first claim for a ref
// succeeds.
func (r *ProductRepository) ClaimRelease(ctx context.Context, ref string) (bool, error) {
	tag, err := r.pool.Exec(ctx, claimReleaseSQL, ref)
	if err != nil {
		return false, classify("claim stock release", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Price, &p.Image, &p.Stock)
	return p, err
}
