package services

import (
	"context"
	"testing"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/repositories"
)

func newTestSweeper(t *testing.T, h *testHarness) *ReservationSweeper {
	t.Helper()
	sweeper, err := NewReservationSweeper(ReservationSweeperDeps{
		Orders:    h.orders,
		Inventory: h.catalog,
		Events:    h.events,
		Metrics:   h.metrics,
		Clock:     func() time.Time { return h.now },
	})
	if err != nil {
		t.Fatalf("NewReservationSweeper: %v", err)
	}
	return sweeper
}

func TestSweepCancelsExpiredPendingOrders(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")
	sweeper := newTestSweeper(t, h)

	result, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Scanned != 0 {
		t.Fatalf("nothing has expired yet, scanned %d", result.Scanned)
	}

	h.now = h.now.Add(defaultReservationTTL + time.Minute)
	result, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result != (SweepResult{Scanned: 1, Released: 1, Cancelled: 1}) {
		t.Fatalf("unexpected result %+v", result)
	}
	stored := h.orders.get(order.ID)
	if stored.Status != domain.OrderStatusCancelled || stored.CancellationReason != reasonReservationExpiry {
		t.Fatalf("expected expired order cancelled, got %s (%q)", stored.Status, stored.CancellationReason)
	}
	if p := h.catalog.product("prod_a"); p.Reserved != 0 || p.Stock != 10 {
		t.Fatalf("expected stock back, got %+v", p)
	}
	if h.metrics.released[reasonReservationExpiry] != 1 {
		t.Fatalf("expected release metric, got %v", h.metrics.released)
	}

	result, err = sweeper.Sweep(context.Background())
	if err != nil || result.Scanned != 0 {
		t.Fatalf("second sweep should find nothing, got %+v %v", result, err)
	}
}

func TestSweepCommitsReservationOfPaidOrder(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")

	// simulate a verification whose commit never landed
	paid := h.orders.get(order.ID)
	paid.PaymentStatus = domain.PaymentStatusPaid
	paid.Status = domain.OrderStatusPaid
	h.orders.put(paid)

	h.now = h.now.Add(time.Hour)
	result, err := newTestSweeper(t, h).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Committed != 1 || result.Released != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if p := h.catalog.product("prod_a"); p.Stock != 8 || p.Sales != 2 || p.Reserved != 0 {
		t.Fatalf("expected committed stock, got %+v", p)
	}
}

func TestSweepReleasesOrphanedReservations(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.catalog.Reserve(context.Background(), repositories.InventoryReserveRequest{
		ReservationID: "rsv_orphan",
		OrderID:       "ord_missing",
		Lines:         []domain.ReservationLine{{ProductID: "prod_b", Quantity: 2}},
		ExpiresAt:     h.now.Add(-time.Minute),
		Now:           h.now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	result, err := newTestSweeper(t, h).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.Released != 1 || result.Cancelled != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if p := h.catalog.product("prod_b"); p.Reserved != 0 {
		t.Fatalf("expected orphan released, got %+v", p)
	}
}

func TestVerifyAfterSweepIsRejected(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")
	h.now = h.now.Add(time.Hour)
	if _, err := newTestSweeper(t, h).Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	h.gateway.verifyFn = func(context.Context, payments.Verification) error { return nil }
	if _, err := h.verify(order); err == nil {
		t.Fatalf("expected verification of an expired order to fail")
	}
	if p := h.catalog.product("prod_a"); p.Sales != 0 {
		t.Fatalf("expired order must not sell stock, got %+v", p)
	}
}
