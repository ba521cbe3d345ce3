// Package cart is the boundary to the cart collaborator. The orchestrator
// only ever sees an immutable snapshot taken at call time.
package cart

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/gebeyahub/backend/internal/postgres"
)

var ErrNotFound = errors.New("cart not found")

// Line is one cart item captured together with the product facts needed to
// validate and price it. Later catalog edits do not reach into a snapshot.
type Line struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	MinOrderQty int             `json:"min_order_quantity"`
	// MaxOrderQty of zero means no upper bound.
	MaxOrderQty   int  `json:"max_order_quantity,omitempty"`
	InStock       int  `json:"in_stock"`
	ProductActive bool `json:"product_active"`
}

type Snapshot struct {
	CartID  string    `json:"cart_id"`
	UserID  string    `json:"user_id"`
	Lines   []Line    `json:"lines"`
	TakenAt time.Time `json:"taken_at"`
}

type Snapshotter interface {
	Snapshot(ctx context.Context, q postgres.Querier, userID string) (*Snapshot, error)
	Clear(ctx context.Context, q postgres.Querier, cartID string) error
}

type PGSnapshotter struct{}

func NewPGSnapshotter() *PGSnapshotter { return &PGSnapshotter{} }

func (s *PGSnapshotter) Snapshot(ctx context.Context, q postgres.Querier, userID string) (*Snapshot, error) {
	snap := &Snapshot{UserID: userID, TakenAt: time.Now()}

	err := q.QueryRow(ctx, `SELECT id FROM carts WHERE user_id=$1`, userID).Scan(&snap.CartID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT p.id, p.name, p.unit_price, ci.quantity,
		       p.min_order_quantity, p.max_order_quantity, p.in_stock, p.is_active
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY p.name
	`, snap.CartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l Line
		var maxQty *int
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity,
			&l.MinOrderQty, &maxQty, &l.InStock, &l.ProductActive); err != nil {
			return nil, err
		}
		if maxQty != nil {
			l.MaxOrderQty = *maxQty
		}
		snap.Lines = append(snap.Lines, l)
	}
	return snap, rows.Err()
}

func (s *PGSnapshotter) Clear(ctx context.Context, q postgres.Querier, cartID string) error {
	_, err := q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	return err
}
