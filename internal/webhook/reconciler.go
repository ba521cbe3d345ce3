// Package webhook turns provider confirmations into local state. Every
// delivery is authenticated, matched to a payment by its transaction
// reference, and applied to payment and order inside one transaction with
// the payment row locked, so duplicate and concurrent deliveries converge on
// the same final state.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/gebeyahub/backend/internal/notify"
	"github.com/gebeyahub/backend/internal/order"
	"github.com/gebeyahub/backend/internal/payment"
	"github.com/gebeyahub/backend/internal/postgres"
	"github.com/gebeyahub/backend/internal/provider"
)

var (
	ErrUnknownProvider    = errors.New("unsupported payment provider")
	ErrUnknownTransaction = errors.New("no payment matches the transaction reference")
)

// DB is the pool surface the reconciler needs.
type DB interface {
	postgres.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Result reports what one delivery did to local state.
type Result struct {
	PaymentID        string         `json:"payment_id"`
	OrderID          string         `json:"order_id"`
	Status           payment.Status `json:"status"`
	AlreadyProcessed bool           `json:"already_processed"`

	recipient string
	reason    string
}

type Reconciler struct {
	db        DB
	payments  payment.Repository
	orders    order.Repository
	providers *provider.Registry
	notifier  notify.Notifier
	log       *zap.Logger
}

func NewReconciler(
	db DB,
	payments payment.Repository,
	orders order.Repository,
	providers *provider.Registry,
	notifier notify.Notifier,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		db:        db,
		payments:  payments,
		orders:    orders,
		providers: providers,
		notifier:  notifier,
		log:       log,
	}
}

// Process handles one webhook delivery end to end: verify, match, apply,
// notify. Signature and lookup failures return before any state is touched.
func (r *Reconciler) Process(ctx context.Context, providerName string, header http.Header, body []byte) (*Result, error) {
	adapter, ok := r.providers.Get(providerName)
	if !ok {
		return nil, ErrUnknownProvider
	}

	payload, err := adapter.VerifyNotification(header, body)
	if err != nil {
		return nil, err
	}

	// Cheap idempotency check before opening a transaction. The locked
	// re-read below is the authoritative one.
	p, err := r.payments.GetByRef(ctx, r.db, payload.Ref)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			r.log.Error("webhook for unknown transaction reference",
				zap.String("provider", providerName),
				zap.String("transaction_ref", payload.Ref))
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}
	if p.Status == payment.StatusSuccess {
		return &Result{PaymentID: p.ID, OrderID: p.OrderID, Status: p.Status, AlreadyProcessed: true}, nil
	}

	res, err := r.apply(ctx, payload)
	if err != nil {
		return nil, err
	}

	if !res.AlreadyProcessed {
		r.log.Info("payment reconciled",
			zap.String("payment_id", res.PaymentID),
			zap.String("order_id", res.OrderID),
			zap.String("status", string(res.Status)),
			zap.String("reason", res.reason))
		r.notifyOutcome(ctx, res)
	}
	return res, nil
}

// apply owns the reconciliation transaction. The payment row lock serializes
// concurrent deliveries for the same reference; whoever enters second finds a
// terminal row and short-circuits.
func (r *Reconciler) apply(ctx context.Context, payload *provider.VerifiedPayload) (*Result, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reconciliation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := r.payments.GetByRefForUpdate(ctx, tx, payload.Ref)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			return nil, ErrUnknownTransaction
		}
		return nil, err
	}

	res := &Result{PaymentID: p.ID, OrderID: p.OrderID}
	switch p.Status {
	case payment.StatusSuccess:
		res.Status = p.Status
		res.AlreadyProcessed = true
		return res, nil
	case payment.StatusFailed:
		// A failed attempt stays failed; the customer retries with a new
		// reference.
		res.Status = p.Status
		res.AlreadyProcessed = true
		return res, nil
	case payment.StatusPending:
		// The confirmation beat the initiation response. Advance through
		// processing so the transition table stays the single authority.
		if err := r.payments.MarkProcessing(ctx, tx, p.ID, p.CheckoutURL); err != nil {
			return nil, err
		}
	}

	o, err := r.orders.GetForUpdate(ctx, tx, p.OrderID)
	if err != nil {
		return nil, err
	}

	outcome := payload.Outcome
	reason := "provider outcome"
	if outcome == provider.OutcomeSuccess && !amountMatches(p, payload) {
		// The provider confirmed a different amount or currency than we
		// asked for. Never mark such a payment successful.
		outcome = provider.OutcomeFailed
		reason = "amount mismatch"
		r.log.Error("webhook amount does not match payment",
			zap.String("payment_id", p.ID),
			zap.String("transaction_ref", p.TransactionRef),
			zap.String("expected", p.Amount.StringFixed(2)+" "+p.Currency),
			zap.String("reported", payload.Amount.StringFixed(2)+" "+payload.Currency))
	}

	if outcome == provider.OutcomeSuccess {
		if err := r.payments.Finalize(ctx, tx, p.ID, payment.StatusProcessing, payment.StatusSuccess, payload.Raw); err != nil {
			if errors.Is(err, payment.ErrAlreadySucceeded) {
				// Another attempt already paid this order. The delivery is
				// acked so the provider stops retrying a confirmation that
				// can never land; the superseded attempt is closed out on a
				// fresh connection because the unique violation aborted the
				// transaction.
				_ = tx.Rollback(ctx)
				if finErr := r.payments.Finalize(ctx, r.db, p.ID, payment.StatusProcessing, payment.StatusFailed, payload.Raw); finErr != nil {
					r.log.Error("failed to close superseded attempt",
						zap.String("payment_id", p.ID), zap.Error(finErr))
				}
				r.log.Error("success confirmation for an order paid by another attempt",
					zap.String("payment_id", p.ID),
					zap.String("order_id", p.OrderID),
					zap.String("transaction_ref", p.TransactionRef))
				res.Status = payment.StatusFailed
				res.AlreadyProcessed = true
				return res, nil
			}
			return nil, err
		}
		if err := r.orders.SetPaymentStatus(ctx, tx, o.ID, o.PaymentStatus, order.PaymentPaid); err != nil {
			return nil, err
		}
		if o.Status == order.StatusPending {
			if err := r.orders.SetStatus(ctx, tx, o.ID, order.StatusPending, order.StatusProcessing); err != nil {
				return nil, err
			}
		}
		res.Status = payment.StatusSuccess
	} else {
		if err := r.payments.Finalize(ctx, tx, p.ID, payment.StatusProcessing, payment.StatusFailed, payload.Raw); err != nil {
			return nil, err
		}
		if o.PaymentStatus == order.PaymentPaid {
			// A stale attempt's failure never downgrades a paid order; the
			// transition table has no paid→failed edge.
			r.log.Warn("failure confirmation for an order already paid, order left untouched",
				zap.String("payment_id", p.ID),
				zap.String("order_id", o.ID),
				zap.String("transaction_ref", p.TransactionRef))
		} else if err := r.orders.SetPaymentStatus(ctx, tx, o.ID, o.PaymentStatus, order.PaymentFailed); err != nil {
			return nil, err
		}
		res.Status = payment.StatusFailed
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reconciliation transaction: %w", err)
	}

	res.recipient = p.PayerEmail
	res.reason = reason
	return res, nil
}

func amountMatches(p *payment.Payment, payload *provider.VerifiedPayload) bool {
	if payload.Currency != "" && payload.Currency != p.Currency {
		return false
	}
	return payload.Amount.Equal(p.Amount)
}

// notifyOutcome runs after commit; a delivery failure is logged, never
// propagated, so the provider is still acked.
func (r *Reconciler) notifyOutcome(ctx context.Context, res *Result) {
	template := notify.TemplatePaymentReceipt
	if res.Status == payment.StatusFailed {
		template = notify.TemplatePaymentFailed
	}
	job := notify.Job{
		Recipient: res.recipient,
		Template:  template,
		Context: map[string]string{
			"payment_id": res.PaymentID,
			"order_id":   res.OrderID,
		},
	}
	if err := r.notifier.Enqueue(ctx, job); err != nil {
		r.log.Error("notification enqueue failed",
			zap.String("template", template),
			zap.String("payment_id", res.PaymentID),
			zap.Error(err))
	}
}
