package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/sequence"
)

const nextSequenceSQL = `INSERT INTO order_sequences (prefix, value) VALUES ($1, 1)
	ON CONFLICT (prefix) DO UPDATE SET value = order_sequences.value + 1
	RETURNING value`

var _ sequence.Store = (*SequenceRepository)(nil)

// SequenceRepository keeps one counter row per day prefix.
type SequenceRepository struct {
	pool *pgxpool.Pool
}

func NewSequenceRepository(pool *pgxpool.Pool) *SequenceRepository {
	return &SequenceRepository{pool: pool}
}

// Next increments the counter for prefix with a row lock held by the upsert.
func (r *SequenceRepository) Next(ctx context.Context, prefix string) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, nextSequenceSQL, prefix).Scan(&n); err != nil {
		return 0, classify("next order sequence", err)
	}
	return n, nil
}
