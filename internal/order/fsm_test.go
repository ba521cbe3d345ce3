package order

import "testing"

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusOnTransit},
		{StatusProcessing, StatusRefundRequested},
		{StatusProcessing, StatusCancelled},
		{StatusOnTransit, StatusShipped},
		{StatusShipped, StatusDelivered},
		{StatusDelivered, StatusRefundRequested},
		{StatusRefundRequested, StatusRefunded},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusShipped},
		{StatusPending, StatusDelivered},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusProcessing},
		{StatusDelivered, StatusPending},
		{StatusRefunded, StatusPending},
		{StatusShipped, StatusCancelled},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusCancelled.Terminal() {
		t.Error("cancelled should be terminal")
	}
	if !StatusRefunded.Terminal() {
		t.Error("refunded should be terminal")
	}
	if StatusPending.Terminal() {
		t.Error("pending should not be terminal")
	}
	if StatusDelivered.Terminal() {
		t.Error("delivered can still enter a refund; not terminal")
	}
}

func TestPaymentStatusTransitions(t *testing.T) {
	if !PaymentUnpaid.CanTransition(PaymentPaid) {
		t.Error("unpaid -> paid should be allowed")
	}
	if !PaymentFailed.CanTransition(PaymentPaid) {
		t.Error("failed -> paid should be allowed (retry)")
	}
	if !PaymentPaid.CanTransition(PaymentRefunded) {
		t.Error("paid -> refunded should be allowed")
	}
	if PaymentPaid.CanTransition(PaymentUnpaid) {
		t.Error("paid -> unpaid should be denied")
	}
	if PaymentRefunded.CanTransition(PaymentPaid) {
		t.Error("refunded -> paid should be denied")
	}
}
