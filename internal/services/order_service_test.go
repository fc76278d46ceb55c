package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/shipping"
)

func TestCreateOrderComputesTotalsAndReservesStock(t *testing.T) {
	h := newTestHarness(t)

	result, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "user_1",
		Items: []OrderItemInput{
			{ProductID: "prod_a", Quantity: 2},
			{ProductID: "prod_b", Quantity: 1},
		},
		ShippingAddress: validAddress(),
		CouponCode:      " save10 ",
		PaymentMethod:   "Razorpay",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	order := result.Order

	want := domain.OrderTotals{Subtotal: 250000, Discount: 25000, Shipping: 0, Tax: 40500, Total: 265500}
	if order.Totals != want {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.ID != "ord_1" || order.ReservationID != "rsv_2" {
		t.Fatalf("unexpected identifiers %s %s", order.ID, order.ReservationID)
	}
	wantNumber := fmt.Sprintf("WJ%d0001", h.now.UnixMilli())
	if order.OrderNumber != wantNumber {
		t.Fatalf("expected order number %s, got %s", wantNumber, order.OrderNumber)
	}
	if order.CouponCode != "SAVE10" || order.CouponID != "cpn_save10" {
		t.Fatalf("coupon not recorded: %q %q", order.CouponCode, order.CouponID)
	}
	if order.ShippingAddress.Phone != "+919876543210" {
		t.Fatalf("expected phone digits, got %q", order.ShippingAddress.Phone)
	}
	if order.Items[0].Name != "Water Can" || order.Items[0].UnitPrice != 100000 {
		t.Fatalf("item snapshot not taken: %+v", order.Items[0])
	}

	if len(h.gateway.requests) != 1 {
		t.Fatalf("expected one intent request, got %d", len(h.gateway.requests))
	}
	req := h.gateway.requests[0]
	if req.Amount != 265500 || req.Currency != "INR" || req.IdempotencyKey != "intent-ord_1" || req.Receipt != order.OrderNumber {
		t.Fatalf("unexpected intent request %+v", req)
	}
	if result.Intent.ID != "order_gw_ord_1" || order.Payment.GatewayOrderID != "order_gw_ord_1" {
		t.Fatalf("gateway order id not recorded: %+v / %+v", result.Intent, order.Payment)
	}
	if stored := h.orders.get(order.ID); stored.Payment.GatewayOrderID != "order_gw_ord_1" {
		t.Fatalf("gateway order id not persisted")
	}

	if p := h.catalog.product("prod_a"); p.Reserved != 2 || p.Stock != 10 {
		t.Fatalf("expected 2 reserved of 10, got %+v", p)
	}
	if p := h.catalog.product("prod_b"); p.Reserved != 1 {
		t.Fatalf("expected 1 reserved, got %+v", p)
	}
	if res := h.catalog.reservation(order.ReservationID); !res.ExpiresAt.Equal(h.now.Add(defaultReservationTTL)) {
		t.Fatalf("unexpected reservation expiry %v", res.ExpiresAt)
	}

	if len(h.carts.cleared) != 1 || h.carts.cleared[0] != "user_1" {
		t.Fatalf("expected cart to be cleared, got %v", h.carts.cleared)
	}
	if got := h.events.types(); len(got) != 1 || got[0] != orderEventCreated {
		t.Fatalf("expected order.created event, got %v", got)
	}
	if h.metrics.created != 1 {
		t.Fatalf("expected created metric")
	}
}

func TestCreateOrderFallsBackToCart(t *testing.T) {
	h := newTestHarness(t)
	h.carts.carts["user_1"] = domain.Cart{
		UserID:     "user_1",
		Items:      []domain.CartItem{{ProductID: "prod_b", Quantity: 3}},
		CouponCode: "SAVE10",
	}

	result, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:          "user_1",
		ShippingAddress: validAddress(),
		PaymentMethod:   "razorpay",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if len(result.Order.Items) != 1 || result.Order.Items[0].Quantity != 3 {
		t.Fatalf("expected cart items, got %+v", result.Order.Items)
	}
	if result.Order.CouponCode != "SAVE10" || result.Order.Totals.Discount != 15000 {
		t.Fatalf("expected cart coupon to apply, got %+v", result.Order.Totals)
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	noCity := validAddress()
	noCity.City = "  "

	cases := []struct {
		name string
		cmd  CreateOrderCommand
	}{
		{
			name: "missing user",
			cmd:  CreateOrderCommand{Items: []OrderItemInput{{ProductID: "prod_a", Quantity: 1}}, ShippingAddress: validAddress(), PaymentMethod: "razorpay"},
		},
		{
			name: "unsupported payment method",
			cmd:  CreateOrderCommand{UserID: "user_1", Items: []OrderItemInput{{ProductID: "prod_a", Quantity: 1}}, ShippingAddress: validAddress(), PaymentMethod: "cod"},
		},
		{
			name: "empty order and cart",
			cmd:  CreateOrderCommand{UserID: "user_1", ShippingAddress: validAddress(), PaymentMethod: "razorpay"},
		},
		{
			name: "zero quantity",
			cmd:  CreateOrderCommand{UserID: "user_1", Items: []OrderItemInput{{ProductID: "prod_a", Quantity: 0}}, ShippingAddress: validAddress(), PaymentMethod: "razorpay"},
		},
		{
			name: "missing city",
			cmd:  CreateOrderCommand{UserID: "user_1", Items: []OrderItemInput{{ProductID: "prod_a", Quantity: 1}}, ShippingAddress: noCity, PaymentMethod: "razorpay"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			_, err := h.service.CreateOrder(context.Background(), tc.cmd)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(h.catalog.reservations) != 0 || len(h.gateway.requests) != 0 {
				t.Fatalf("nothing should be reserved or charged")
			}
		})
	}
}

func TestCreateOrderStockAndCatalogFailures(t *testing.T) {
	cases := []struct {
		name  string
		items []OrderItemInput
		want  error
	}{
		{name: "insufficient stock", items: []OrderItemInput{{ProductID: "prod_b", Quantity: 6}}, want: ErrConflict},
		{name: "duplicate lines exceed stock", items: []OrderItemInput{{ProductID: "prod_b", Quantity: 3}, {ProductID: "prod_b", Quantity: 3}}, want: ErrConflict},
		{name: "inactive product", items: []OrderItemInput{{ProductID: "prod_off", Quantity: 1}}, want: ErrConflict},
		{name: "unknown product", items: []OrderItemInput{{ProductID: "prod_missing", Quantity: 1}}, want: ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			_, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
				UserID:          "user_1",
				Items:           tc.items,
				ShippingAddress: validAddress(),
				PaymentMethod:   "razorpay",
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(h.orders.orders) != 0 {
				t.Fatalf("no order should be stored")
			}
		})
	}
}

func TestCreateOrderRejectsUnusableCoupon(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:          "user_1",
		Items:           []OrderItemInput{{ProductID: "prod_b", Quantity: 1}},
		ShippingAddress: validAddress(),
		CouponCode:      "SAVE10",
		PaymentMethod:   "razorpay",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict below minimum order value, got %v", err)
	}

	_, err = h.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:          "user_1",
		Items:           []OrderItemInput{{ProductID: "prod_b", Quantity: 1}},
		ShippingAddress: validAddress(),
		CouponCode:      "NOPE",
		PaymentMethod:   "razorpay",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown coupon, got %v", err)
	}
}

func TestCreateOrderCompensatesWhenIntentFails(t *testing.T) {
	cases := []struct {
		name    string
		gateway error
		want    []error
	}{
		{name: "credentials", gateway: fmt.Errorf("%w: missing key", payments.ErrGatewayConfig), want: []error{ErrGatewayConfig}},
		{name: "timeout", gateway: fmt.Errorf("%w: %w", payments.ErrTimeout, payments.ErrGatewayConfig), want: []error{ErrTimeout, ErrGatewayConfig}},
		{name: "gateway down", gateway: fmt.Errorf("%w: status 500", payments.ErrGateway), want: []error{ErrGatewayUnavailable}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			h.gateway.createFn = func(context.Context, payments.IntentRequest) (payments.Intent, error) {
				return payments.Intent{}, tc.gateway
			}

			_, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
				UserID:          "user_1",
				Items:           []OrderItemInput{{ProductID: "prod_a", Quantity: 2}},
				ShippingAddress: validAddress(),
				PaymentMethod:   "razorpay",
			})
			for _, want := range tc.want {
				if !errors.Is(err, want) {
					t.Fatalf("expected %v in %v", want, err)
				}
			}

			stored := h.orders.get("ord_1")
			if stored.Status != domain.OrderStatusCancelled || stored.CancellationReason != reasonIntentFailed {
				t.Fatalf("expected abandoned order to be cancelled, got %s (%q)", stored.Status, stored.CancellationReason)
			}
			if p := h.catalog.product("prod_a"); p.Reserved != 0 || p.Stock != 10 {
				t.Fatalf("expected reservation released, got %+v", p)
			}
			if res := h.catalog.reservation("rsv_2"); res.Status != domain.ReservationStatusReleased {
				t.Fatalf("expected released reservation, got %s", res.Status)
			}
			if len(h.carts.cleared) != 0 || len(h.events.events) != 0 {
				t.Fatalf("failed creation must not clear cart or publish")
			}
		})
	}
}

func TestCreateOrderReleasesStockWhenInsertFails(t *testing.T) {
	h := newTestHarness(t)
	h.orders.insertErr = errors.New("firestore unavailable")

	_, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:          "user_1",
		Items:           []OrderItemInput{{ProductID: "prod_a", Quantity: 1}},
		ShippingAddress: validAddress(),
		PaymentMethod:   "razorpay",
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if p := h.catalog.product("prod_a"); p.Reserved != 0 {
		t.Fatalf("expected reservation released, got %+v", p)
	}
	if len(h.gateway.requests) != 0 {
		t.Fatalf("intent must not be created without an order")
	}
}

func TestGetOrderScopesToOwner(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")

	if _, err := h.service.GetOrder(context.Background(), order.ID, "user_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another buyer, got %v", err)
	}
	got, err := h.service.GetOrder(context.Background(), order.ID, "")
	if err != nil || got.ID != order.ID {
		t.Fatalf("admin lookup failed: %v", err)
	}
	if _, err := h.service.GetOrder(context.Background(), "", "user_1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty id, got %v", err)
	}
}

func TestCancelPendingOrderReleasesReservation(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")

	cancelled, err := h.service.CancelOrder(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		UserID:  "user_1",
		ActorID: "user_1",
		Reason:  "<b>changed my mind</b>",
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled order, got %+v", cancelled)
	}
	if cancelled.CancellationReason != "changed my mind" {
		t.Fatalf("expected sanitized reason, got %q", cancelled.CancellationReason)
	}
	if p := h.catalog.product("prod_a"); p.Reserved != 0 || p.Stock != 10 || p.Sales != 0 {
		t.Fatalf("unexpected stock after cancel %+v", p)
	}
	if h.metrics.released[reasonCancelled] != 1 {
		t.Fatalf("expected released metric, got %v", h.metrics.released)
	}

	if _, err := h.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, UserID: "user_1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second cancel, got %v", err)
	}
}

func TestCancelPaidOrderRestoresSnapshotAndFlagsRefund(t *testing.T) {
	h := newTestHarness(t)
	h.carrier.createFn = func(context.Context, shipping.ShipmentRequest) (shipping.Booking, error) {
		return shipping.Booking{}, shipping.ErrCarrier
	}
	order := h.placeOrder(t, "")
	if _, err := h.verify(order); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if p := h.catalog.product("prod_a"); p.Stock != 8 || p.Sales != 2 {
		t.Fatalf("expected committed stock, got %+v", p)
	}

	cancelled, err := h.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, UserID: "user_1", Reason: "duplicate"})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded payment status, got %s", cancelled.PaymentStatus)
	}
	if p := h.catalog.product("prod_a"); p.Stock != 10 || p.Sales != 0 || p.Reserved != 0 {
		t.Fatalf("expected stock restored, got %+v", p)
	}
	if p := h.catalog.product("prod_b"); p.Stock != 5 || p.Sales != 0 {
		t.Fatalf("expected stock restored, got %+v", p)
	}
}

func TestCancelRejectsPackedOrder(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")
	if _, err := h.verify(order); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if _, err := h.service.CancelOrder(context.Background(), CancelOrderCommand{OrderID: order.ID, UserID: "user_1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")

	if _, err := h.service.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusPaid}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for paid target, got %v", err)
	}
	if _, err := h.service.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusShipped}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for pending -> shipped, got %v", err)
	}

	if _, err := h.verify(order); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	h.now = h.now.Add(time.Hour)
	shipped, err := h.service.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:        order.ID,
		Status:         "SHIPPED",
		TrackingNumber: "TRK-9",
		ActorID:        "admin_1",
	})
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if shipped.Status != domain.OrderStatusShipped || shipped.ShippedAt == nil || shipped.Shipment.TrackingNumber != "TRK-9" {
		t.Fatalf("unexpected order after ship %+v", shipped)
	}
	last := h.events.events[len(h.events.events)-1]
	if last.Type != orderEventStatusChanged || last.PreviousStatus != "packed" || last.ActorID != "admin_1" {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestUpdateOrderStatusReturnedCancelsFreshBooking(t *testing.T) {
	h := newTestHarness(t)
	order := h.placeOrder(t, "")
	result, err := h.verify(order)
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}

	returned, err := h.service.UpdateOrderStatus(context.Background(), UpdateOrderStatusCommand{OrderID: order.ID, Status: domain.OrderStatusReturned})
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if returned.Status != domain.OrderStatusReturned || returned.Shipment.Status != domain.ShipmentStatusCancelled {
		t.Fatalf("unexpected order %+v", returned)
	}
	if len(h.carrier.cancelled) != 1 || h.carrier.cancelled[0] != result.Order.Shipment.AWB {
		t.Fatalf("expected carrier cancel for %s, got %v", result.Order.Shipment.AWB, h.carrier.cancelled)
	}
}

func TestListShippingPendingFiltersPaidFlaggedOrders(t *testing.T) {
	h := newTestHarness(t)
	h.carrier.createFn = func(context.Context, shipping.ShipmentRequest) (shipping.Booking, error) {
		return shipping.Booking{}, errors.New("carrier down")
	}
	order := h.placeOrder(t, "")
	if _, err := h.verify(order); err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	h.placeOrder(t, "")

	page, err := h.service.ListShippingPending(context.Background(), domain.Pagination{PageSize: 10})
	if err != nil {
		t.Fatalf("ListShippingPending: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != order.ID {
		t.Fatalf("expected only the flagged order, got %d", len(page.Items))
	}
	if h.orders.lastList.ShippingPending == nil || !*h.orders.lastList.ShippingPending {
		t.Fatalf("expected shipping pending filter")
	}
	if !strings.Contains(page.Items[0].Shipment.PendingReason, "carrier down") {
		t.Fatalf("expected pending reason, got %q", page.Items[0].Shipment.PendingReason)
	}
}
