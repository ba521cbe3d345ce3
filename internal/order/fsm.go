package order

import "errors"

var ErrInvalidTransition = errors.New("invalid order status transition")

// statusTransitions is the full lifecycle table. Anything not listed is
// rejected rather than written.
var statusTransitions = map[Status][]Status{
	StatusPending:         {StatusProcessing, StatusCancelled},
	StatusProcessing:      {StatusOnTransit, StatusRefundRequested, StatusCancelled},
	StatusOnTransit:       {StatusShipped},
	StatusShipped:         {StatusDelivered},
	StatusDelivered:       {StatusRefundRequested},
	StatusRefundRequested: {StatusRefunded},
}

var paymentStatusTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentUnpaid: {PaymentPaid, PaymentFailed},
	PaymentFailed: {PaymentPaid, PaymentFailed}, // a retry may fail again or succeed
	PaymentPaid:   {PaymentRefunded},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

func (p PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentStatusTransitions[p] {
		if next == to {
			return true
		}
	}
	return false
}
