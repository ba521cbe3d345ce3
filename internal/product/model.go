package product

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	InStock     int             `json:"in_stock"`
	MinOrderQty int             `json:"min_order_quantity"`
	// MaxOrderQty of zero means no upper bound.
	MaxOrderQty int       `json:"max_order_quantity,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
