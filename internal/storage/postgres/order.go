package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	orderColumns = `id, number, user_id, items, subtotal, discount, tax, shipping_fee, total,
		coupon_code, status, payment_method, payment_status, shipping_address,
		terms_accepted, privacy_accepted, tracking_carrier, tracking_number, cancel_reason,
		created_at, updated_at, paid_at, shipped_at, delivered_at, cancelled_at, refunded_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`

	discardOrderSQL = `DELETE FROM orders WHERE id = $1 AND status = $2`
	orderExistsSQL  = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	getOrderByIDSQL     = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE number = $1`
	lockOrderSQL        = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	transitionOrderSQL = `UPDATE orders SET status = $2, payment_status = $3,
		tracking_carrier = $4, tracking_number = $5, cancel_reason = $6, updated_at = $7,
		paid_at = $8, shipped_at = $9, delivered_at = $10, cancelled_at = $11, refunded_at = $12
		WHERE id = $1`

	orderNumberConstraint = "orders_number_key"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Items and the shipping address are stored as
// JSONB.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	addressJSON, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}
	carrier, number := trackingColumns(o.Tracking)

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.Number, o.UserID, itemsJSON, o.Subtotal, o.Discount, o.Tax, o.ShippingFee, o.Total,
		o.CouponCode, string(o.Status), string(o.PaymentMethod), string(o.PaymentStatus), addressJSON,
		o.TermsAccepted, o.PrivacyAccepted, carrier, number, o.CancelReason,
		o.CreatedAt, o.UpdatedAt, o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt, o.RefundedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && isUniqueViolation(err) && pgErr.ConstraintName == orderNumberConstraint {
			return order.ErrDuplicateNumber
		}
		return classify(fmt.Sprintf("create order %q", o.ID), err)
	}
	return nil
}

// Discard deletes the order only while it is still PENDING.
func (r *OrderRepository) Discard(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, discardOrderSQL, id, string(order.StatusPending))
	if err != nil {
		return classify(fmt.Sprintf("discard order %q", id), err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// A status never returns to PENDING, so an existing row is a live order.
	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return classify(fmt.Sprintf("check order %q", id), err)
	}
	if exists {
		return order.ErrStatusConflict
	}
	return order.ErrNotFound
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, r.pool, getOrderByIDSQL, id)
}

func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.getOne(ctx, r.pool, getOrderByNumberSQL, number)
}

// List returns the orders matching f, newest first.
func (r *OrderRepository) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	q := psql.Select(orderColumns).From("orders").OrderBy("created_at DESC", "number DESC")
	if f.UserID != "" {
		q = q.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build order list")
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list orders", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, classify("list orders", err)
	}
	return orders, nil
}

// Transition locks the row, checks the expected status and writes u.
func (r *OrderRepository) Transition(ctx context.Context, id string, from order.Status, u order.Update) (*order.Order, error) {
	var updated *order.Order
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		o, err := r.getOne(ctx, tx, lockOrderSQL, id)
		if err != nil {
			return err
		}
		if o.Status != from {
			return order.ErrStatusConflict
		}
		u.ApplyTo(o)

		carrier, number := trackingColumns(o.Tracking)
		_, err = tx.Exec(ctx, transitionOrderSQL,
			o.ID, string(o.Status), string(o.PaymentStatus), carrier, number, o.CancelReason, o.UpdatedAt,
			o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CancelledAt, o.RefundedAt,
		)
		if err != nil {
			return classify(fmt.Sprintf("transition order %q", id), err)
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *OrderRepository) getOne(ctx context.Context, q querier, sql string, arg string) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, arg)
	if err != nil {
		return nil, classify("get order", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, classify("get order", err)
	}
	return &o, nil
}

func trackingColumns(t *order.Tracking) (carrier, number string) {
	if t == nil {
		return "", ""
	}
	return t.Carrier, t.Number
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                       order.Order
		itemsJSON, addressJSON  []byte
		status, method, payment string
		carrier, number         string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &itemsJSON, &o.Subtotal, &o.Discount, &o.Tax, &o.ShippingFee, &o.Total,
		&o.CouponCode, &status, &method, &payment, &addressJSON,
		&o.TermsAccepted, &o.PrivacyAccepted, &carrier, &number, &o.CancelReason,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt, &o.RefundedAt,
	)
	if err != nil {
		return o, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(addressJSON, &o.ShippingAddress); err != nil {
		return o, fmt.Errorf("unmarshaling shipping address: %w", err)
	}
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(method)
	o.PaymentStatus = order.PaymentStatus(payment)
	if carrier != "" || number != "" {
		o.Tracking = &order.Tracking{Carrier: carrier, Number: number}
		if o.ShippedAt != nil {
			o.Tracking.ShippedAt = *o.ShippedAt
		}
	}
	return o, nil
}
