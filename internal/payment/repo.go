package payment

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/gebeyahub/backend/internal/postgres"
)

var (
	ErrNotFound         = errors.New("payment not found")
	ErrDuplicateRef     = errors.New("transaction reference already exists")
	ErrAlreadySucceeded = errors.New("another payment for this order already succeeded")
)

type Repository interface {
	Create(ctx context.Context, q postgres.Querier, p *Payment) error
	GetByID(ctx context.Context, q postgres.Querier, id string) (*Payment, error)
	GetByRef(ctx context.Context, q postgres.Querier, ref string) (*Payment, error)
	GetByRefForUpdate(ctx context.Context, q postgres.Querier, ref string) (*Payment, error)
	ListByOrder(ctx context.Context, q postgres.Querier, orderID string) ([]Payment, error)
	ListByUser(ctx context.Context, q postgres.Querier, userID string, limit, offset int) ([]Payment, error)
	MarkProcessing(ctx context.Context, q postgres.Querier, id, checkoutURL string) error
	Finalize(ctx context.Context, q postgres.Querier, id string, from, to Status, providerResponse json.RawMessage) error
}

type PGRepo struct{}

func NewPGRepo() *PGRepo { return &PGRepo{} }

const paymentColumns = `
	id, order_id, user_id, payer_email, provider, amount, currency, status,
	transaction_ref, checkout_url, provider_response, created_at, updated_at`

func scanPayment(row pgx.Row, p *Payment) error {
	var checkoutURL *string
	if err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.PayerEmail, &p.Provider, &p.Amount,
		&p.Currency, &p.Status, &p.TransactionRef, &checkoutURL,
		&p.ProviderResponse, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return err
	}
	if checkoutURL != nil {
		p.CheckoutURL = *checkoutURL
	}
	return nil
}

func (r *PGRepo) Create(ctx context.Context, q postgres.Querier, p *Payment) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payments (id, order_id, user_id, payer_email, provider, amount,
		                      currency, status, transaction_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
	`, p.ID, p.OrderID, p.UserID, p.PayerEmail, p.Provider, p.Amount, p.Currency, p.Status, p.TransactionRef)
	if err != nil {
		if postgres.IsUniqueViolation(err, "payments_transaction_ref_key") {
			return ErrDuplicateRef
		}
		return err
	}
	return nil
}

func (r *PGRepo) GetByID(ctx context.Context, q postgres.Querier, id string) (*Payment, error) {
	return r.get(ctx, q, `SELECT`+paymentColumns+` FROM payments WHERE id=$1`, id)
}

func (r *PGRepo) GetByRef(ctx context.Context, q postgres.Querier, ref string) (*Payment, error) {
	return r.get(ctx, q, `SELECT`+paymentColumns+` FROM payments WHERE transaction_ref=$1`, ref)
}

// GetByRefForUpdate locks the payment row for the rest of the transaction.
// Concurrent webhook deliveries for the same reference serialize here.
func (r *PGRepo) GetByRefForUpdate(ctx context.Context, q postgres.Querier, ref string) (*Payment, error) {
	return r.get(ctx, q, `SELECT`+paymentColumns+` FROM payments WHERE transaction_ref=$1 FOR UPDATE`, ref)
}

func (r *PGRepo) get(ctx context.Context, q postgres.Querier, sql string, arg any) (*Payment, error) {
	var p Payment
	if err := scanPayment(q.QueryRow(ctx, sql, arg), &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PGRepo) ListByOrder(ctx context.Context, q postgres.Querier, orderID string) ([]Payment, error) {
	rows, err := q.Query(ctx, `
		SELECT`+paymentColumns+`
		FROM payments WHERE order_id=$1 ORDER BY created_at DESC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PGRepo) ListByUser(ctx context.Context, q postgres.Querier, userID string, limit, offset int) ([]Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := q.Query(ctx, `
		SELECT`+paymentColumns+`
		FROM payments WHERE user_id=$1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Payment, error) {
	var out []Payment
	for rows.Next() {
		var p Payment
		if err := scanPayment(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkProcessing advances pending→processing and records the checkout URL.
func (r *PGRepo) MarkProcessing(ctx context.Context, q postgres.Querier, id, checkoutURL string) error {
	tag, err := q.Exec(ctx, `
		UPDATE payments SET status=$2, checkout_url=$3, updated_at=NOW()
		WHERE id=$1 AND status=$4
	`, id, StatusProcessing, checkoutURL, StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Finalize writes a terminal status. The WHERE clause repeats the from
// status so a stale caller cannot overwrite a terminal row; a success row is
// frozen for good.
func (r *PGRepo) Finalize(ctx context.Context, q postgres.Querier, id string, from, to Status, providerResponse json.RawMessage) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	tag, err := q.Exec(ctx, `
		UPDATE payments SET status=$3, provider_response=COALESCE($4, provider_response), updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, id, from, to, providerResponse)
	if err != nil {
		if postgres.IsUniqueViolation(err, "payments_one_success_per_order") {
			return ErrAlreadySucceeded
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}
