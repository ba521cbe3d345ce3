package product

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/gebeyahub/backend/internal/postgres"
)

var (
	ErrNotFound          = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

type Query struct {
	// IncludeInactive widens the listing to deactivated products. Visibility
	// is an explicit flag, never an ambient default.
	IncludeInactive bool
	Limit           int
	Offset          int
}

type Repository interface {
	GetByID(ctx context.Context, q postgres.Querier, id string) (*Product, error)
	List(ctx context.Context, q postgres.Querier, query Query) ([]Product, error)
	DecrementStock(ctx context.Context, q postgres.Querier, id string, qty int) error
	IncrementStock(ctx context.Context, q postgres.Querier, id string, qty int) error
}

type PGRepo struct{}

func NewPGRepo() *PGRepo { return &PGRepo{} }

func (r *PGRepo) GetByID(ctx context.Context, q postgres.Querier, id string) (*Product, error) {
	var p Product
	var maxQty *int
	err := q.QueryRow(ctx, `
		SELECT id, name, description, unit_price, in_stock,
		       min_order_quantity, max_order_quantity, is_active,
		       created_at, updated_at
		FROM products WHERE id=$1
	`, id).Scan(&p.ID, &p.Name, &p.Description, &p.UnitPrice, &p.InStock,
		&p.MinOrderQty, &maxQty, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if maxQty != nil {
		p.MaxOrderQty = *maxQty
	}
	return &p, nil
}

func (r *PGRepo) List(ctx context.Context, q postgres.Querier, query Query) ([]Product, error) {
	limit := query.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := q.Query(ctx, `
		SELECT id, name, description, unit_price, in_stock,
		       min_order_quantity, max_order_quantity, is_active,
		       created_at, updated_at
		FROM products
		WHERE ($1 OR is_active)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, query.IncludeInactive, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var maxQty *int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.UnitPrice, &p.InStock,
			&p.MinOrderQty, &maxQty, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if maxQty != nil {
			p.MaxOrderQty = *maxQty
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DecrementStock reserves qty units. The WHERE clause makes the decrement
// safe under concurrent orders: the row is only touched when enough stock
// remains.
func (r *PGRepo) DecrementStock(ctx context.Context, q postgres.Querier, id string, qty int) error {
	tag, err := q.Exec(ctx, `
		UPDATE products
		SET in_stock = in_stock - $2, updated_at = NOW()
		WHERE id = $1 AND in_stock >= $2
	`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientStock
	}
	return nil
}

func (r *PGRepo) IncrementStock(ctx context.Context, q postgres.Querier, id string, qty int) error {
	tag, err := q.Exec(ctx, `
		UPDATE products
		SET in_stock = in_stock + $2, updated_at = NOW()
		WHERE id = $1
	`, id, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
