package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gebeyahub/backend/internal/postgres"
)

var ErrNotFound = errors.New("order not found")

type Repository interface {
	Create(ctx context.Context, q postgres.Querier, o *Order, items []Item) error
	GetByID(ctx context.Context, q postgres.Querier, id string) (*Order, []Item, error)
	GetForUpdate(ctx context.Context, q postgres.Querier, id string) (*Order, error)
	ListByUser(ctx context.Context, q postgres.Querier, userID string, limit, offset int) ([]Order, error)
	SetStatus(ctx context.Context, q postgres.Querier, id string, from, to Status) error
	SetPaymentStatus(ctx context.Context, q postgres.Querier, id string, from, to PaymentStatus) error
	MarkCancelled(ctx context.Context, q postgres.Querier, id string, from Status, at time.Time) error
}

type PGRepo struct{}

func NewPGRepo() *PGRepo { return &PGRepo{} }

const orderColumns = `
	id, order_number, user_id, status, payment_status,
	subtotal, tax_amount, shipping_cost, total_amount,
	shipping_address, billing_address, notes,
	created_at, updated_at, cancelled_at`

func scanOrder(row pgx.Row, o *Order) error {
	return row.Scan(&o.ID, &o.Number, &o.UserID, &o.Status, &o.PaymentStatus,
		&o.Subtotal, &o.TaxAmount, &o.ShippingCost, &o.TotalAmount,
		&o.ShippingAddress, &o.BillingAddress, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt, &o.CancelledAt)
}

func (r *PGRepo) Create(ctx context.Context, q postgres.Querier, o *Order, items []Item) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO orders (id, order_number, user_id, status, payment_status,
		                    subtotal, tax_amount, shipping_cost, total_amount,
		                    shipping_address, billing_address, notes,
		                    created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
	`, o.ID, o.Number, o.UserID, o.Status, o.PaymentStatus,
		o.Subtotal, o.TaxAmount, o.ShippingCost, o.TotalAmount,
		o.ShippingAddress, o.BillingAddress, o.Notes); err != nil {
		return err
	}

	for _, it := range items {
		if _, err := q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name,
			                         quantity, unit_price, line_total, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		`, it.ID, o.ID, it.ProductID, it.ProductName,
			it.Quantity, it.UnitPrice, it.LineTotal); err != nil {
			return err
		}
	}
	return nil
}

func (r *PGRepo) GetByID(ctx context.Context, q postgres.Querier, id string) (*Order, []Item, error) {
	var o Order
	if err := scanOrder(q.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id=$1`, id), &o); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, line_total, created_at
		FROM order_items WHERE order_id=$1
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName,
			&it.Quantity, &it.UnitPrice, &it.LineTotal, &it.CreatedAt); err != nil {
			return nil, nil, err
		}
		items = append(items, it)
	}
	return &o, items, rows.Err()
}

func (r *PGRepo) GetForUpdate(ctx context.Context, q postgres.Querier, id string) (*Order, error) {
	var o Order
	err := scanOrder(q.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *PGRepo) ListByUser(ctx context.Context, q postgres.Querier, userID string, limit, offset int) ([]Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := q.Query(ctx, `
		SELECT`+orderColumns+`
		FROM orders WHERE user_id=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SetStatus writes to only when the row still holds from, so a concurrent
// writer cannot sneak a transition past the table.
func (r *PGRepo) SetStatus(ctx context.Context, q postgres.Querier, id string, from, to Status) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	tag, err := q.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetPaymentStatus is guarded the same way as SetStatus: the update only
// lands while the row still holds from, so a stale writer cannot downgrade a
// paid order.
func (r *PGRepo) SetPaymentStatus(ctx context.Context, q postgres.Querier, id string, from, to PaymentStatus) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	tag, err := q.Exec(ctx, `
		UPDATE orders SET payment_status=$3, updated_at=NOW()
		WHERE id=$1 AND payment_status=$2
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *PGRepo) MarkCancelled(ctx context.Context, q postgres.Querier, id string, from Status, at time.Time) error {
	if !from.CanTransition(StatusCancelled) {
		return ErrInvalidTransition
	}
	tag, err := q.Exec(ctx, `
		UPDATE orders SET status=$3, cancelled_at=$4, updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, id, from, StatusCancelled, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}
