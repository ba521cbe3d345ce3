package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gebeyahub/backend/internal/notify"
	"github.com/gebeyahub/backend/internal/order"
	"github.com/gebeyahub/backend/internal/payment"
	"github.com/gebeyahub/backend/internal/postgres"
	"github.com/gebeyahub/backend/internal/provider"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

//
// ===== in-memory fakes =====
//

type fakeTx struct{ committed bool }

func (t *fakeTx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(context.Context) error          { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error        { return nil }
func (t *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                  { return nil }

type fakeDB struct{ begun int }

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.begun++
	return &fakeTx{}, nil
}
func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (db *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

type stubPayments struct {
	byRef map[string]*payment.Payment
}

func (s *stubPayments) find(ref string) (*payment.Payment, error) {
	p, ok := s.byRef[ref]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubPayments) Create(_ context.Context, _ postgres.Querier, p *payment.Payment) error {
	if _, ok := s.byRef[p.TransactionRef]; ok {
		return payment.ErrDuplicateRef
	}
	cp := *p
	s.byRef[p.TransactionRef] = &cp
	return nil
}

func (s *stubPayments) GetByID(_ context.Context, _ postgres.Querier, id string) (*payment.Payment, error) {
	for _, p := range s.byRef {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (s *stubPayments) GetByRef(_ context.Context, _ postgres.Querier, ref string) (*payment.Payment, error) {
	return s.find(ref)
}

func (s *stubPayments) GetByRefForUpdate(_ context.Context, _ postgres.Querier, ref string) (*payment.Payment, error) {
	return s.find(ref)
}

func (s *stubPayments) ListByOrder(context.Context, postgres.Querier, string) ([]payment.Payment, error) {
	return nil, nil
}

func (s *stubPayments) ListByUser(context.Context, postgres.Querier, string, int, int) ([]payment.Payment, error) {
	return nil, nil
}

func (s *stubPayments) MarkProcessing(_ context.Context, _ postgres.Querier, id, checkoutURL string) error {
	for _, p := range s.byRef {
		if p.ID == id {
			if p.Status != payment.StatusPending {
				return payment.ErrInvalidTransition
			}
			p.Status = payment.StatusProcessing
			p.CheckoutURL = checkoutURL
			return nil
		}
	}
	return payment.ErrNotFound
}

func (s *stubPayments) Finalize(_ context.Context, _ postgres.Querier, id string, from, to payment.Status, resp json.RawMessage) error {
	for _, p := range s.byRef {
		if p.ID == id {
			if p.Status != from || !from.CanTransition(to) {
				return payment.ErrInvalidTransition
			}
			if to == payment.StatusSuccess {
				// Mirrors the one-success-per-order partial unique index.
				for _, other := range s.byRef {
					if other.ID != id && other.OrderID == p.OrderID && other.Status == payment.StatusSuccess {
						return payment.ErrAlreadySucceeded
					}
				}
			}
			p.Status = to
			if resp != nil {
				p.ProviderResponse = resp
			}
			return nil
		}
	}
	return payment.ErrNotFound
}

type stubOrders struct {
	byID map[string]*order.Order
}

func (s *stubOrders) Create(context.Context, postgres.Querier, *order.Order, []order.Item) error {
	return errors.New("not implemented")
}

func (s *stubOrders) GetByID(_ context.Context, _ postgres.Querier, id string) (*order.Order, []order.Item, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil, nil
}

func (s *stubOrders) GetForUpdate(_ context.Context, _ postgres.Querier, id string) (*order.Order, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *stubOrders) ListByUser(context.Context, postgres.Querier, string, int, int) ([]order.Order, error) {
	return nil, nil
}

func (s *stubOrders) SetStatus(_ context.Context, _ postgres.Querier, id string, from, to order.Status) error {
	o, ok := s.byID[id]
	if !ok || o.Status != from || !from.CanTransition(to) {
		return order.ErrInvalidTransition
	}
	o.Status = to
	return nil
}

func (s *stubOrders) SetPaymentStatus(_ context.Context, _ postgres.Querier, id string, from, to order.PaymentStatus) error {
	o, ok := s.byID[id]
	if !ok || o.PaymentStatus != from || !from.CanTransition(to) {
		return order.ErrInvalidTransition
	}
	o.PaymentStatus = to
	return nil
}

func (s *stubOrders) MarkCancelled(context.Context, postgres.Querier, string, order.Status, time.Time) error {
	return errors.New("not implemented")
}

// stubAdapter verifies by comparing the signature header against a fixed
// token and decodes the body as a canned payload.
type stubAdapter struct {
	payload *provider.VerifiedPayload
}

func (a *stubAdapter) Name() string { return "chapa" }
func (a *stubAdapter) CreateTransaction(context.Context, provider.CreateRequest) (*provider.Session, error) {
	return nil, provider.ErrUnavailable
}
func (a *stubAdapter) VerifyNotification(header http.Header, body []byte) (*provider.VerifiedPayload, error) {
	if header.Get("Chapa-Signature") != "good" {
		return nil, provider.ErrBadSignature
	}
	p := *a.payload
	p.Raw = body
	return &p, nil
}
func (a *stubAdapter) SupportsMidflightCancel() bool { return false }

type recordingNotifier struct {
	jobs []notify.Job
}

func (n *recordingNotifier) Enqueue(_ context.Context, job notify.Job) error {
	n.jobs = append(n.jobs, job)
	return nil
}
func (n *recordingNotifier) Close() error { return nil }

//
// ===== fixture =====
//

type fixture struct {
	db       *fakeDB
	payments *stubPayments
	orders   *stubOrders
	adapter  *stubAdapter
	notifier *recordingNotifier
	rec      *Reconciler
}

func newFixture(outcome provider.Outcome, amount, currency string) *fixture {
	f := &fixture{
		db: &fakeDB{},
		payments: &stubPayments{byRef: map[string]*payment.Payment{
			"ref-1": {
				ID: "pay1", OrderID: "o1", UserID: "u1", Provider: "chapa",
				PayerEmail: "buyer@example.com",
				Amount:     dec("581460.00"), Currency: "ETB",
				Status: payment.StatusProcessing, TransactionRef: "ref-1",
			},
		}},
		orders: &stubOrders{byID: map[string]*order.Order{
			"o1": {ID: "o1", UserID: "u1", Status: order.StatusPending, PaymentStatus: order.PaymentUnpaid},
		}},
		adapter: &stubAdapter{payload: &provider.VerifiedPayload{
			Ref: "ref-1", Outcome: outcome, Amount: dec(amount), Currency: currency,
		}},
		notifier: &recordingNotifier{},
	}
	registry := provider.NewRegistry()
	registry.Register(f.adapter)
	f.rec = NewReconciler(f.db, f.payments, f.orders, registry, f.notifier, zap.NewNop())
	return f
}

func signed() http.Header {
	h := http.Header{}
	h.Set("Chapa-Signature", "good")
	return h
}

//
// ===== tests =====
//

func TestProcess_SuccessConfirmation(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")
	body := []byte(`{"tx_ref":"ref-1","status":"success"}`)

	res, err := f.rec.Process(context.Background(), "chapa", signed(), body)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.AlreadyProcessed {
		t.Error("first delivery must not read as already processed")
	}
	if res.Status != payment.StatusSuccess {
		t.Errorf("status=%s, want success", res.Status)
	}

	p := f.payments.byRef["ref-1"]
	if p.Status != payment.StatusSuccess {
		t.Errorf("payment=%s, want success", p.Status)
	}
	if p.ProviderResponse == nil {
		t.Error("raw provider payload must be archived")
	}
	o := f.orders.byID["o1"]
	if o.PaymentStatus != order.PaymentPaid {
		t.Errorf("order payment_status=%s, want paid", o.PaymentStatus)
	}
	if o.Status != order.StatusProcessing {
		t.Errorf("order status=%s, want processing", o.Status)
	}
	if len(f.notifier.jobs) != 1 || f.notifier.jobs[0].Template != notify.TemplatePaymentReceipt {
		t.Errorf("expected one receipt notification, got %+v", f.notifier.jobs)
	}
	if f.notifier.jobs[0].Recipient != "buyer@example.com" {
		t.Errorf("recipient=%q, want the payer email captured at initiation", f.notifier.jobs[0].Recipient)
	}
}

func TestProcess_FailedConfirmation(t *testing.T) {
	f := newFixture(provider.OutcomeFailed, "581460.00", "ETB")

	res, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{"status":"failed"}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != payment.StatusFailed {
		t.Errorf("status=%s, want failed", res.Status)
	}
	o := f.orders.byID["o1"]
	if o.PaymentStatus != order.PaymentFailed {
		t.Errorf("order payment_status=%s, want failed", o.PaymentStatus)
	}
	if o.Status != order.StatusPending {
		t.Errorf("order status=%s, must stay pending so the customer can retry", o.Status)
	}
	if len(f.notifier.jobs) != 1 || f.notifier.jobs[0].Template != notify.TemplatePaymentFailed {
		t.Errorf("expected one failure notification, got %+v", f.notifier.jobs)
	}
}

// Duplicate deliveries converge: the replays observe the terminal row and do
// nothing, and only the first delivery produces a notification.
func TestProcess_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")
	body := []byte(`{"tx_ref":"ref-1","status":"success"}`)

	first, err := f.rec.Process(context.Background(), "chapa", signed(), body)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	for i := 0; i < 5; i++ {
		res, err := f.rec.Process(context.Background(), "chapa", signed(), body)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if !res.AlreadyProcessed {
			t.Fatalf("replay %d must read as already processed", i)
		}
		if res.PaymentID != first.PaymentID || res.Status != payment.StatusSuccess {
			t.Fatalf("replay %d diverged: %+v", i, res)
		}
	}
	if len(f.notifier.jobs) != 1 {
		t.Errorf("notifications=%d, want exactly 1", len(f.notifier.jobs))
	}
}

// A confirmation for the right reference but the wrong amount or currency is
// recorded as failed, never success.
func TestProcess_AmountMismatch(t *testing.T) {
	cases := []struct {
		name     string
		amount   string
		currency string
	}{
		{"short amount", "100.00", "ETB"},
		{"wrong currency", "581460.00", "USD"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(provider.OutcomeSuccess, tc.amount, tc.currency)

			res, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{}`))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if res.Status != payment.StatusFailed {
				t.Errorf("status=%s, want failed", res.Status)
			}
			if f.payments.byRef["ref-1"].Status != payment.StatusFailed {
				t.Error("payment must be failed")
			}
			if f.orders.byID["o1"].PaymentStatus == order.PaymentPaid {
				t.Error("a mismatched confirmation must never mark the order paid")
			}
		})
	}
}

func TestProcess_UnknownReference(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")
	f.adapter.payload.Ref = "no-such-ref"

	_, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{}`))
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("err=%v, want ErrUnknownTransaction", err)
	}
	if f.payments.byRef["ref-1"].Status != payment.StatusProcessing {
		t.Error("existing payments must be untouched")
	}
	if f.db.begun != 0 {
		t.Error("no transaction should open for an unknown reference")
	}
}

func TestProcess_BadSignature(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")

	_, err := f.rec.Process(context.Background(), "chapa", http.Header{}, []byte(`{}`))
	if !errors.Is(err, provider.ErrBadSignature) {
		t.Fatalf("err=%v, want ErrBadSignature", err)
	}
	if f.payments.byRef["ref-1"].Status != payment.StatusProcessing {
		t.Error("state must not change on a forged delivery")
	}
	if len(f.notifier.jobs) != 0 {
		t.Error("no notification on a forged delivery")
	}
}

func TestProcess_UnknownProvider(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")
	if _, err := f.rec.Process(context.Background(), "stripe", signed(), []byte(`{}`)); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err=%v, want ErrUnknownProvider", err)
	}
}

// The confirmation can arrive before the initiation response lands. The
// pending row is advanced through processing inside the same transaction.
func TestProcess_ConfirmationBeatsInitiation(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")
	f.payments.byRef["ref-1"].Status = payment.StatusPending

	res, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != payment.StatusSuccess {
		t.Errorf("status=%s, want success", res.Status)
	}
	if f.payments.byRef["ref-1"].Status != payment.StatusSuccess {
		t.Error("pending payment must reach success via processing")
	}
}

// After one attempt pays the order, a failure confirmation for a second,
// still-processing attempt closes that attempt but never un-pays the order.
func TestProcess_StaleAttemptFailureKeepsOrderPaid(t *testing.T) {
	f := newFixture(provider.OutcomeFailed, "581460.00", "ETB")
	f.payments.byRef["ref-1"].Status = payment.StatusSuccess
	f.payments.byRef["ref-2"] = &payment.Payment{
		ID: "pay2", OrderID: "o1", UserID: "u1", Provider: "chapa",
		PayerEmail: "buyer@example.com",
		Amount:     dec("581460.00"), Currency: "ETB",
		Status: payment.StatusProcessing, TransactionRef: "ref-2",
	}
	f.orders.byID["o1"].PaymentStatus = order.PaymentPaid
	f.orders.byID["o1"].Status = order.StatusProcessing
	f.adapter.payload.Ref = "ref-2"

	res, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{"tx_ref":"ref-2","status":"failed"}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != payment.StatusFailed {
		t.Errorf("status=%s, want failed", res.Status)
	}
	if f.payments.byRef["ref-2"].Status != payment.StatusFailed {
		t.Error("the stale attempt must be closed as failed")
	}
	o := f.orders.byID["o1"]
	if o.PaymentStatus != order.PaymentPaid {
		t.Errorf("order payment_status=%s; a stale failure must never un-pay a paid order", o.PaymentStatus)
	}
	if o.Status != order.StatusProcessing {
		t.Errorf("order status=%s, must be untouched", o.Status)
	}
}

// Two attempts racing to success: the second confirmation hits the
// one-success-per-order index, is acked without touching the order, and the
// superseded attempt does not linger as processing.
func TestProcess_SecondSuccessAttemptAcked(t *testing.T) {
	f := newFixture(provider.OutcomeSuccess, "581460.00", "ETB")
	f.payments.byRef["ref-1"].Status = payment.StatusSuccess
	f.payments.byRef["ref-2"] = &payment.Payment{
		ID: "pay2", OrderID: "o1", UserID: "u1", Provider: "chapa",
		PayerEmail: "buyer@example.com",
		Amount:     dec("581460.00"), Currency: "ETB",
		Status: payment.StatusProcessing, TransactionRef: "ref-2",
	}
	f.orders.byID["o1"].PaymentStatus = order.PaymentPaid
	f.orders.byID["o1"].Status = order.StatusProcessing
	f.adapter.payload.Ref = "ref-2"

	res, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{"tx_ref":"ref-2","status":"success"}`))
	if err != nil {
		t.Fatalf("the delivery must be acked, got %v", err)
	}
	if !res.AlreadyProcessed {
		t.Error("result must read as already processed")
	}
	if f.payments.byRef["ref-2"].Status != payment.StatusFailed {
		t.Errorf("superseded attempt=%s, want failed", f.payments.byRef["ref-2"].Status)
	}
	if f.orders.byID["o1"].PaymentStatus != order.PaymentPaid {
		t.Error("the order stays paid")
	}
	if len(f.notifier.jobs) != 0 {
		t.Errorf("no notification for a superseded attempt, got %+v", f.notifier.jobs)
	}
}

// A late failure after a recorded success never un-pays the order.
func TestProcess_LateFailureAfterSuccess(t *testing.T) {
	f := newFixture(provider.OutcomeFailed, "581460.00", "ETB")
	f.payments.byRef["ref-1"].Status = payment.StatusSuccess
	f.orders.byID["o1"].PaymentStatus = order.PaymentPaid
	f.orders.byID["o1"].Status = order.StatusProcessing

	res, err := f.rec.Process(context.Background(), "chapa", signed(), []byte(`{}`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.AlreadyProcessed {
		t.Error("late delivery must read as already processed")
	}
	if f.payments.byRef["ref-1"].Status != payment.StatusSuccess {
		t.Error("success is frozen")
	}
	if f.orders.byID["o1"].PaymentStatus != order.PaymentPaid {
		t.Error("the order stays paid")
	}
}
