// Package notify hands notification jobs to the delivery collaborator.
// Enqueueing is fire and forget: the reconciliation transaction has already
// committed by the time a job is produced, and a delivery failure never
// propagates back.
package notify

import "context"

// Templates mirror the order lifecycle events customers are told about.
const (
	TemplateOrderCreated   = "order_created"
	TemplatePaymentReceipt = "payment_receipt"
	TemplatePaymentFailed  = "payment_failed"
	TemplateOrderCancelled = "order_cancelled"
)

type Job struct {
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Context   map[string]string `json:"context"`
}

type Notifier interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Nop discards jobs. Used when no broker is configured.
type Nop struct{}

func (Nop) Enqueue(context.Context, Job) error { return nil }
func (Nop) Close() error                       { return nil }
