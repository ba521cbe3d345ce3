// Package payment owns the payment ledger: one row per payment attempt
// against an order, keyed for webhook deduplication by a globally unique
// provider transaction reference.
package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

type Payment struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`

	// PayerEmail is captured at initiation so webhook-driven notifications
	// resolve a recipient without a user lookup.
	PayerEmail string `json:"payer_email,omitempty"`

	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   Status          `json:"status"`

	// TransactionRef is generated locally, handed to the provider at
	// initiation and echoed back in webhooks. Unique across all payments.
	TransactionRef string `json:"transaction_ref"`
	CheckoutURL    string `json:"checkout_url,omitempty"`

	// ProviderResponse keeps the raw provider payload for audit.
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
