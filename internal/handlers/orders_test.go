package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/platform/auth"
	"github.com/waterjunction/api/internal/services"
)

type stubOrderService struct {
	createFn         func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error)
	getFn            func(context.Context, string, string) (domain.Order, error)
	listFn           func(context.Context, services.OrderListFilter) (domain.CursorPage[domain.Order], error)
	listPendingFn    func(context.Context, domain.Pagination) (domain.CursorPage[domain.Order], error)
	verifyFn         func(context.Context, services.VerifyPaymentCommand) (services.ShipmentResult, error)
	cancelFn         func(context.Context, services.CancelOrderCommand) (domain.Order, error)
	updateStatusFn   func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error)
	trackFn          func(context.Context, string, string) (services.TrackingSnapshot, error)
	createShipmentFn func(context.Context, string, string) (services.ShipmentResult, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CreateOrderResult{}, nil
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID, userID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, userID)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) ListShippingPending(ctx context.Context, page domain.Pagination) (domain.CursorPage[domain.Order], error) {
	if s.listPendingFn != nil {
		return s.listPendingFn(ctx, page)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) VerifyPayment(ctx context.Context, cmd services.VerifyPaymentCommand) (services.ShipmentResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, cmd)
	}
	return services.ShipmentResult{}, nil
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) UpdateOrderStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, cmd)
	}
	return domain.Order{}, nil
}

func (s *stubOrderService) TrackShipment(ctx context.Context, orderID, userID string) (services.TrackingSnapshot, error) {
	if s.trackFn != nil {
		return s.trackFn(ctx, orderID, userID)
	}
	return services.TrackingSnapshot{}, nil
}

func (s *stubOrderService) CreateShipmentManually(ctx context.Context, orderID, actorID string) (services.ShipmentResult, error) {
	if s.createShipmentFn != nil {
		return s.createShipmentFn(ctx, orderID, actorID)
	}
	return services.ShipmentResult{}, nil
}

func newOrderRouter(svc services.OrderService, opts ...OrderHandlersOption) chi.Router {
	h := NewOrderHandlers(nil, svc, opts...)
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func authedRequest(method, target, body, uid string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return body.Error
}

func sampleOrder() domain.Order {
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:            "ord_1",
		OrderNumber:   "WJ17000000000000001",
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		PaymentMethod: "razorpay",
		Currency:      "INR",
		Totals:        domain.OrderTotals{Subtotal: 100000, Tax: 18000, Total: 118000},
		Items: []domain.OrderItem{
			{ProductID: "prod_a", Name: "Filter", UnitPrice: 100000, Quantity: 1},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	var captured services.CreateOrderCommand
	svc := &stubOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CreateOrderResult, error) {
			captured = cmd
			return services.CreateOrderResult{
				Order:  sampleOrder(),
				Intent: payments.Intent{Provider: "razorpay", ID: "order_gw_1", KeyID: "rzp_key", Amount: 118000, Currency: "INR"},
			}, nil
		},
	}
	router := newOrderRouter(svc)

	body := `{"items":[{"product_id":"prod_a","quantity":1}],"shipping_address":{"full_name":"Asha","phone":"9876543210","line1":"12 MG Road","city":"Pune","state":"MH","postal_code":"411001","country":"IN"},"coupon_code":"save10"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders", body, "user-1"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if captured.UserID != "user-1" || len(captured.Items) != 1 || captured.Items[0].ProductID != "prod_a" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ShippingAddress.City != "Pune" || captured.CouponCode != "save10" {
		t.Fatalf("address or coupon not forwarded: %+v", captured)
	}

	var resp createOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.ID != "ord_1" || resp.Order.Totals.Total != 118000 {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
	if resp.Intent.ID != "order_gw_1" || resp.Intent.KeyID != "rzp_key" {
		t.Fatalf("unexpected intent payload %+v", resp.Intent)
	}
}

func TestOrderHandlersCreateOrderRejectsBadBody(t *testing.T) {
	called := false
	svc := &stubOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.CreateOrderResult, error) {
			called = true
			return services.CreateOrderResult{}, nil
		},
	}
	router := newOrderRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders", "{not json", "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if called {
		t.Fatalf("service must not be called for malformed body")
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders", "", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "unauthenticated" {
		t.Fatalf("expected unauthenticated, got %s", code)
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[domain.Order], error) {
			captured = filter
			return domain.CursorPage[domain.Order]{Items: []domain.Order{sampleOrder()}, NextPageToken: "next"}, nil
		},
	}
	router := newOrderRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders?status=paid,packed&page_size=500&page_token=abc", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.Pagination.PageSize != maxPageSize || captured.Pagination.PageToken != "abc" {
		t.Fatalf("unexpected filter %+v", captured)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPaid || captured.Status[1] != domain.OrderStatusPacked {
		t.Fatalf("unexpected status filter %v", captured.Status)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected list response %+v", resp)
	}
}

func TestOrderHandlersListOrdersRejectsUnknownStatus(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders?status=lost", "", "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: services.ErrValidation, status: http.StatusBadRequest, code: "invalid_request"},
		{err: services.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
		{err: services.ErrConflict, status: http.StatusConflict, code: "order_conflict"},
		{err: services.ErrInvalidState, status: http.StatusConflict, code: "order_invalid_state"},
		{err: services.ErrGatewaySignature, status: http.StatusPaymentRequired, code: "payment_verification_failed"},
		{err: services.ErrTimeout, status: http.StatusGatewayTimeout, code: "upstream_timeout"},
		{err: services.ErrGatewayConfig, status: http.StatusServiceUnavailable, code: "payment_gateway_unconfigured"},
		{err: services.ErrGatewayUnavailable, status: http.StatusBadGateway, code: "payment_gateway_error"},
		{err: services.ErrCarrier, status: http.StatusBadGateway, code: "carrier_error"},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError, code: "order_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := &stubOrderService{
				getFn: func(context.Context, string, string) (domain.Order, error) {
					return domain.Order{}, fmt.Errorf("%w: wrapped", tc.err)
				},
			}
			router := newOrderRouter(svc)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_1", "", "user-1"))

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := decodeErrorCode(t, rr); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestOrderHandlersVerifyPayment(t *testing.T) {
	var captured services.VerifyPaymentCommand
	svc := &stubOrderService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) (services.ShipmentResult, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusPacked
			order.PaymentStatus = domain.PaymentStatusPaid
			return services.ShipmentResult{
				Order:   order,
				Outcome: domain.ShipmentCreated{AWB: "AWB1", Courier: "Delhivery"},
			}, nil
		},
	}
	router := newOrderRouter(svc)

	body := `{"gateway_order_id":"order_gw_1","payment_id":"pay_1","signature":"sig"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders/ord_1/verify-payment", body, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.PaymentID != "pay_1" || captured.Signature != "sig" {
		t.Fatalf("unexpected command %+v", captured)
	}

	var resp shipmentResultResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.Status != "packed" || resp.Shipment == nil || resp.Shipment.Result != "created" || resp.Shipment.AWB != "AWB1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func pendingShipmentOrder() domain.Order {
	order := sampleOrder()
	order.Status = domain.OrderStatusPaid
	order.PaymentStatus = domain.PaymentStatusPaid
	order.Shipment.Pending = true
	order.Shipment.PendingReason = "carrier: create shipment: status 500: internal pickup error"
	return order
}

func assertNoShipmentFailure(t *testing.T, body string) {
	t.Helper()
	for _, leaked := range []string{"shipping_pending", "pending_reason", "internal pickup error", `"result":"pending"`} {
		if strings.Contains(body, leaked) {
			t.Fatalf("buyer response exposes %q: %s", leaked, body)
		}
	}
}

func TestOrderHandlersVerifyPaymentHidesPendingShipment(t *testing.T) {
	svc := &stubOrderService{
		verifyFn: func(context.Context, services.VerifyPaymentCommand) (services.ShipmentResult, error) {
			order := pendingShipmentOrder()
			return services.ShipmentResult{Order: order, Outcome: domain.ShipmentPending{Reason: order.Shipment.PendingReason}}, nil
		},
	}
	router := newOrderRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders/ord_1/verify-payment", `{"payment_id":"p","signature":"s","gateway_order_id":"g"}`, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assertNoShipmentFailure(t, rr.Body.String())
	var resp shipmentResultResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Order.Status != "paid" || resp.Shipment != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOrderHandlersGetOrderHidesPendingShipment(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(context.Context, string, string) (domain.Order, error) {
			return pendingShipmentOrder(), nil
		},
	}
	router := newOrderRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_1", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	assertNoShipmentFailure(t, rr.Body.String())
}

func TestOrderHandlersCancelAcceptsEmptyBody(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders/ord_1/cancel", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.UserID != "user-1" || captured.ActorID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersTracking(t *testing.T) {
	at := time.Date(2025, 5, 2, 8, 0, 0, 0, time.UTC)
	svc := &stubOrderService{
		trackFn: func(_ context.Context, orderID, userID string) (services.TrackingSnapshot, error) {
			if orderID != "ord_1" || userID != "user-1" {
				return services.TrackingSnapshot{}, services.ErrNotFound
			}
			return services.TrackingSnapshot{
				OrderID:        orderID,
				OrderStatus:    domain.OrderStatusShipped,
				AWB:            "AWB1",
				ShipmentStatus: domain.ShipmentStatusInTransit,
				LastSyncedAt:   &at,
			}, nil
		},
	}
	router := newOrderRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_1/tracking", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp trackingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ShipmentStatus != "in_transit" || resp.AWB != "AWB1" || resp.LastSyncedAt != "2025-05-02T08:00:00Z" {
		t.Fatalf("unexpected tracking response %+v", resp)
	}
}

func TestOrderHandlersIdempotencyWrapsMutations(t *testing.T) {
	var wrapped []string
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = append(wrapped, r.Method+" "+r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	router := newOrderRouter(&stubOrderService{}, WithOrderIdempotency(mw))

	router.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodGet, "/orders/ord_1", "", "user-1"))
	router.ServeHTTP(httptest.NewRecorder(), authedRequest(http.MethodPost, "/orders/ord_1/verify-payment", `{}`, "user-1"))

	if len(wrapped) != 1 || wrapped[0] != "POST /orders/ord_1/verify-payment" {
		t.Fatalf("expected only verify-payment to be wrapped, got %v", wrapped)
	}
}
