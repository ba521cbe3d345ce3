// Package checkout coordinates cart→order conversion and order→payment
// initiation. It owns the transactions around local state; provider network
// calls always happen with no transaction open.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gebeyahub/backend/internal/cart"
	"github.com/gebeyahub/backend/internal/notify"
	"github.com/gebeyahub/backend/internal/order"
	"github.com/gebeyahub/backend/internal/payment"
	"github.com/gebeyahub/backend/internal/postgres"
	"github.com/gebeyahub/backend/internal/product"
	"github.com/gebeyahub/backend/internal/provider"
)

var (
	ErrEmptyCart           = errors.New("cart is empty")
	ErrQuantityOutOfBounds = errors.New("quantity outside allowed bounds")
	ErrProductUnavailable  = errors.New("product no longer available")
	ErrNotOwner            = errors.New("order belongs to a different user")
	ErrAlreadyPaid         = errors.New("order already paid for")
	ErrPaymentInProgress   = errors.New("a payment for this order is awaiting verification")
	ErrOrderCancelled      = errors.New("order was cancelled")
	ErrUnknownProvider     = errors.New("unsupported payment provider")
	ErrCancelNotAllowed    = errors.New("order can no longer be cancelled")
)

// User is the authenticated principal supplied by the auth collaborator.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

type OrderInput struct {
	ShippingAddress json.RawMessage
	BillingAddress  json.RawMessage
	Notes           string
}

// CheckoutHandle is what the client needs to finish paying.
type CheckoutHandle struct {
	PaymentID      string `json:"payment_id"`
	TransactionRef string `json:"transaction_ref"`
	CheckoutURL    string `json:"checkout_url"`
}

// DB is the pool surface the orchestrator needs: plain queries plus the
// ability to open a transaction.
type DB interface {
	postgres.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Orchestrator struct {
	db        DB
	orders    order.Repository
	payments  payment.Repository
	products  product.Repository
	carts     cart.Snapshotter
	providers *provider.Registry
	notifier  notify.Notifier
	log       *zap.Logger

	taxRate         decimal.Decimal
	shippingCost    decimal.Decimal
	defaultCurrency string
	providerTimeout time.Duration
}

type Options struct {
	TaxRate         decimal.Decimal
	ShippingCost    decimal.Decimal
	DefaultCurrency string
	ProviderTimeout time.Duration
}

func NewOrchestrator(
	db DB,
	orders order.Repository,
	payments payment.Repository,
	products product.Repository,
	carts cart.Snapshotter,
	providers *provider.Registry,
	notifier notify.Notifier,
	log *zap.Logger,
	opts Options,
) *Orchestrator {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "ETB"
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 15 * time.Second
	}
	return &Orchestrator{
		db:              db,
		orders:          orders,
		payments:        payments,
		products:        products,
		carts:           carts,
		providers:       providers,
		notifier:        notifier,
		log:             log,
		taxRate:         opts.TaxRate,
		shippingCost:    opts.ShippingCost,
		defaultCurrency: opts.DefaultCurrency,
		providerTimeout: opts.ProviderTimeout,
	}
}

// TakeCartSnapshot reads the user's cart once. The returned value is never
// re-queried.
func (s *Orchestrator) TakeCartSnapshot(ctx context.Context, userID string) (*cart.Snapshot, error) {
	return s.carts.Snapshot(ctx, s.db, userID)
}

// CreateOrder validates the snapshot, prices it and persists order, items,
// stock reservation and cart clearing as one atomic unit.
func (s *Orchestrator) CreateOrder(ctx context.Context, user User, snap *cart.Snapshot, input OrderInput) (*order.Order, []order.Item, error) {
	if snap == nil || len(snap.Lines) == 0 {
		return nil, nil, ErrEmptyCart
	}

	subtotal := decimal.Zero
	items := make([]order.Item, 0, len(snap.Lines))
	for _, line := range snap.Lines {
		if !line.ProductActive {
			return nil, nil, fmt.Errorf("%w: %s", ErrProductUnavailable, line.ProductName)
		}
		if line.Quantity < line.MinOrderQty {
			return nil, nil, fmt.Errorf("%w: %s requires at least %d", ErrQuantityOutOfBounds, line.ProductName, line.MinOrderQty)
		}
		if line.MaxOrderQty > 0 && line.Quantity > line.MaxOrderQty {
			return nil, nil, fmt.Errorf("%w: %s allows at most %d", ErrQuantityOutOfBounds, line.ProductName, line.MaxOrderQty)
		}
		if line.Quantity > line.InStock {
			return nil, nil, fmt.Errorf("%w: %s has %d in stock", product.ErrInsufficientStock, line.ProductName, line.InStock)
		}

		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(lineTotal)
		items = append(items, order.Item{
			ID:          uuid.NewString(),
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			LineTotal:   lineTotal,
		})
	}

	tax := subtotal.Mul(s.taxRate).Round(2)
	total := subtotal.Add(tax).Add(s.shippingCost)

	o := &order.Order{
		ID:              uuid.NewString(),
		Number:          orderNumber(),
		UserID:          user.ID,
		Status:          order.StatusPending,
		PaymentStatus:   order.PaymentUnpaid,
		Subtotal:        subtotal,
		TaxAmount:       tax,
		ShippingCost:    s.shippingCost,
		TotalAmount:     total,
		ShippingAddress: input.ShippingAddress,
		BillingAddress:  input.BillingAddress,
		Notes:           input.Notes,
	}
	for i := range items {
		items[i].OrderID = o.ID
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin order transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.orders.Create(ctx, tx, o, items); err != nil {
		return nil, nil, fmt.Errorf("persist order: %w", err)
	}
	for _, it := range items {
		if err := s.products.DecrementStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			if errors.Is(err, product.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: %s", ErrProductUnavailable, it.ProductName)
			}
			if errors.Is(err, product.ErrInsufficientStock) {
				return nil, nil, fmt.Errorf("%w: %s", product.ErrInsufficientStock, it.ProductName)
			}
			return nil, nil, fmt.Errorf("reserve stock: %w", err)
		}
	}
	if snap.CartID != "" {
		if err := s.carts.Clear(ctx, tx, snap.CartID); err != nil {
			return nil, nil, fmt.Errorf("clear cart: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit order transaction: %w", err)
	}

	s.log.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("user_id", user.ID),
		zap.String("total", o.TotalAmount.StringFixed(2)))

	s.enqueue(ctx, notify.Job{
		Recipient: user.Email,
		Template:  notify.TemplateOrderCreated,
		Context: map[string]string{
			"order_number": o.Number,
			"total_amount": o.TotalAmount.StringFixed(2),
		},
	})
	return o, items, nil
}

// InitiatePayment opens a checkout transaction with the chosen provider and
// records the attempt in the ledger. The provider call runs outside any
// database transaction; a failure never leaves a pending row behind.
func (s *Orchestrator) InitiatePayment(ctx context.Context, user User, orderID, providerKey, currency string) (*CheckoutHandle, error) {
	o, _, err := s.orders.GetByID(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != user.ID {
		return nil, ErrNotOwner
	}
	if o.Status == order.StatusCancelled {
		return nil, ErrOrderCancelled
	}
	if o.PaymentStatus == order.PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	attempts, err := s.payments.ListByOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payment attempts: %w", err)
	}
	for _, p := range attempts {
		switch p.Status {
		case payment.StatusSuccess:
			return nil, ErrAlreadyPaid
		case payment.StatusProcessing:
			return nil, ErrPaymentInProgress
		}
	}

	adapter, ok := s.providers.Get(providerKey)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if currency == "" {
		currency = s.defaultCurrency
	}

	p := &payment.Payment{
		ID:             uuid.NewString(),
		OrderID:        o.ID,
		UserID:         user.ID,
		PayerEmail:     user.Email,
		Provider:       adapter.Name(),
		Amount:         o.TotalAmount,
		Currency:       currency,
		Status:         payment.StatusPending,
		TransactionRef: uuid.NewString(),
	}
	if err := s.payments.Create(ctx, s.db, p); err != nil {
		return nil, fmt.Errorf("record payment attempt: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	session, err := adapter.CreateTransaction(callCtx, provider.CreateRequest{
		Ref:       p.TransactionRef,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
	cancel()
	if err != nil {
		if finErr := s.payments.Finalize(ctx, s.db, p.ID, payment.StatusPending, payment.StatusFailed, nil); finErr != nil {
			s.log.Error("failed to mark payment failed after provider error",
				zap.String("payment_id", p.ID), zap.Error(finErr))
		}
		s.log.Warn("payment initiation failed",
			zap.String("payment_id", p.ID),
			zap.String("order_id", o.ID),
			zap.String("provider", adapter.Name()),
			zap.Error(err))
		return nil, err
	}

	if err := s.payments.MarkProcessing(ctx, s.db, p.ID, session.CheckoutURL); err != nil {
		return nil, fmt.Errorf("advance payment to processing: %w", err)
	}

	s.log.Info("payment initiated",
		zap.String("payment_id", p.ID),
		zap.String("order_id", o.ID),
		zap.String("provider", adapter.Name()),
		zap.String("transaction_ref", p.TransactionRef))

	return &CheckoutHandle{
		PaymentID:      p.ID,
		TransactionRef: p.TransactionRef,
		CheckoutURL:    session.CheckoutURL,
	}, nil
}

// CancelOrder cancels a pending, unpaid order and returns its stock.
// A paid order is refused; an order with a payment awaiting verification is
// refused unless the provider can abandon mid-flight checkouts.
func (s *Orchestrator) CancelOrder(ctx context.Context, user User, orderID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if o.UserID != user.ID {
		return ErrNotOwner
	}
	if o.Status != order.StatusPending {
		return ErrCancelNotAllowed
	}
	if o.PaymentStatus == order.PaymentPaid {
		return ErrCancelNotAllowed
	}

	attempts, err := s.payments.ListByOrder(ctx, tx, orderID)
	if err != nil {
		return fmt.Errorf("list payment attempts: %w", err)
	}
	for _, p := range attempts {
		if p.Status != payment.StatusProcessing {
			continue
		}
		adapter, ok := s.providers.Get(p.Provider)
		if !ok || !adapter.SupportsMidflightCancel() {
			return ErrCancelNotAllowed
		}
		if err := s.payments.Finalize(ctx, tx, p.ID, payment.StatusProcessing, payment.StatusFailed, nil); err != nil {
			return fmt.Errorf("abandon in-flight payment: %w", err)
		}
	}

	_, items, err := s.orders.GetByID(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if err := s.orders.MarkCancelled(ctx, tx, orderID, o.Status, time.Now()); err != nil {
		return err
	}
	for _, it := range items {
		if err := s.products.IncrementStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("restock %s: %w", it.ProductName, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel transaction: %w", err)
	}

	s.log.Info("order cancelled",
		zap.String("order_id", orderID),
		zap.String("user_id", user.ID))

	s.enqueue(ctx, notify.Job{
		Recipient: user.Email,
		Template:  notify.TemplateOrderCancelled,
		Context:   map[string]string{"order_number": o.Number},
	})
	return nil
}

func (s *Orchestrator) enqueue(ctx context.Context, job notify.Job) {
	if job.Recipient == "" {
		return
	}
	if err := s.notifier.Enqueue(ctx, job); err != nil {
		s.log.Error("notification enqueue failed",
			zap.String("template", job.Template),
			zap.Error(err))
	}
}

// orderNumber is the short human-facing code printed on receipts.
func orderNumber() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
