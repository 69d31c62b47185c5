package enums

import "testing"

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusDelivered, true},
		{OrderStatusPending, OrderStatusPaid, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusCancelled, OrderStatusDelivered, true},
		{OrderStatusPaid, OrderStatusDelivered, true},
		{OrderStatusPaid, OrderStatusRefunded, true},
		{OrderStatusDelivered, OrderStatusRefunded, true},
		{OrderStatusDelivered, OrderStatusPending, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusPaid, OrderStatusCancelled, false},
		{OrderStatusRefunded, OrderStatusPaid, false},
		{OrderStatusCancelled, OrderStatusRefunded, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestOrderStatusPredicates(t *testing.T) {
	if !OrderStatusCancelled.AcceptsPayment() || !OrderStatusPending.AcceptsPayment() {
		t.Fatal("pending and cancelled orders accept payment")
	}
	if OrderStatusDelivered.AcceptsPayment() || OrderStatusPaid.AcceptsPayment() {
		t.Fatal("settled orders must not accept payment again")
	}
	if !OrderStatusPaid.IsSettled() || !OrderStatusDelivered.IsSettled() || OrderStatusPending.IsSettled() {
		t.Fatal("unexpected settled classification")
	}
}

func TestParseOrderStatus(t *testing.T) {
	if got, err := ParseOrderStatus("delivered"); err != nil || got != OrderStatusDelivered {
		t.Fatalf("unexpected parse result %q %v", got, err)
	}
	if _, err := ParseOrderStatus("shipped"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
	if _, err := ParseRefundRequestStatus("approved"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseOrderKind("gift"); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
}
