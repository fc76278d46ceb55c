package domain

import (
	"errors"
	"testing"
	"time"
)

func TestOrderTransitionAppendsHistory(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	order := Order{Status: OrderStatusPending, PaymentStatus: PaymentStatusPending}

	if err := order.Transition(OrderStatusPaid, now, ""); err != nil {
		t.Fatalf("pending -> paid: %v", err)
	}
	if err := order.Transition(OrderStatusPacked, now.Add(time.Minute), "shipment created"); err != nil {
		t.Fatalf("paid -> packed: %v", err)
	}
	if len(order.StatusHistory) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(order.StatusHistory))
	}
	if order.StatusHistory[1].Status != OrderStatusPacked || !order.StatusHistory[1].At.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected history entry %+v", order.StatusHistory[1])
	}
	if order.PaidAt == nil || !order.PaidAt.Equal(now) {
		t.Fatalf("expected paidAt to be stamped")
	}
}

func TestOrderTransitionRejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from OrderStatus
		to   OrderStatus
	}{
		{OrderStatusPending, OrderStatusShipped},
		{OrderStatusPacked, OrderStatusCancelled},
		{OrderStatusShipped, OrderStatusCancelled},
		{OrderStatusDelivered, OrderStatusShipped},
		{OrderStatusCancelled, OrderStatusPaid},
		{OrderStatusReturned, OrderStatusReturned},
	}
	for _, tc := range cases {
		order := Order{Status: tc.from}
		err := order.Transition(tc.to, time.Now(), "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		if order.Status != tc.from || len(order.StatusHistory) != 0 {
			t.Fatalf("%s -> %s: order mutated on rejected transition", tc.from, tc.to)
		}
	}
}

func TestAnyStatusCanBeReturned(t *testing.T) {
	for _, from := range []OrderStatus{
		OrderStatusPending, OrderStatusPaid, OrderStatusPacked,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled,
	} {
		if !CanTransition(from, OrderStatusReturned) {
			t.Fatalf("expected %s -> returned to be allowed", from)
		}
	}
}

func TestDeliveredAtIsSetOnce(t *testing.T) {
	first := time.Date(2025, 5, 3, 0, 0, 0, 0, time.UTC)
	order := Order{Status: OrderStatusShipped}
	if err := order.Transition(OrderStatusDelivered, first, ""); err != nil {
		t.Fatalf("shipped -> delivered: %v", err)
	}
	if err := order.Transition(OrderStatusReturned, first.Add(time.Hour), ""); err != nil {
		t.Fatalf("delivered -> returned: %v", err)
	}
	if !order.DeliveredAt.Equal(first) {
		t.Fatalf("deliveredAt changed: %v", order.DeliveredAt)
	}
}

func TestIsForward(t *testing.T) {
	if !IsForward(OrderStatusPacked, OrderStatusShipped) {
		t.Fatalf("packed -> shipped should be forward")
	}
	if IsForward(OrderStatusDelivered, OrderStatusShipped) {
		t.Fatalf("delivered -> shipped should not be forward")
	}
	if IsForward(OrderStatusCancelled, OrderStatusDelivered) {
		t.Fatalf("cancelled orders never move forward")
	}
}

func TestApplyShipmentOutcome(t *testing.T) {
	now := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)

	paid := Order{Status: OrderStatusPaid, PaymentStatus: PaymentStatusPaid}
	if err := paid.ApplyShipmentOutcome(ShipmentPending{Reason: "carrier down"}, now); err != nil {
		t.Fatalf("pending outcome: %v", err)
	}
	if !paid.Shipment.Pending || paid.Status != OrderStatusPaid || paid.PaymentStatus != PaymentStatusPaid {
		t.Fatalf("pending outcome must only raise the flag: %+v", paid)
	}

	if err := paid.ApplyShipmentOutcome(ShipmentCreated{AWB: "AWB1", Courier: "Delhivery", TrackingURL: "https://t/AWB1"}, now); err != nil {
		t.Fatalf("created outcome: %v", err)
	}
	if paid.Status != OrderStatusPacked || paid.Shipment.Pending || paid.Shipment.Status != ShipmentStatusCreated {
		t.Fatalf("unexpected order after created outcome: %+v", paid)
	}
	if paid.Shipment.AWB != "AWB1" || paid.Shipment.TrackingNumber != "AWB1" {
		t.Fatalf("expected awb to be recorded, got %+v", paid.Shipment)
	}
}
