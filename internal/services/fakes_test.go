package services

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/repositories"
	"github.com/waterjunction/api/internal/shipping"
)

type fakeRepoError struct {
	notFound bool
	conflict bool
}

func (e fakeRepoError) Error() string       { return "fake repository error" }
func (e fakeRepoError) IsNotFound() bool    { return e.notFound }
func (e fakeRepoError) IsConflict() bool    { return e.conflict }
func (e fakeRepoError) IsUnavailable() bool { return false }

type memoryOrders struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	insertErr error
	mutateErr func(call int) error
	mutations int
	lastList  repositories.OrderListFilter
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{orders: map[string]domain.Order{}}
}

func (m *memoryOrders) Insert(_ context.Context, order domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.orders[order.ID]; ok {
		return fakeRepoError{conflict: true}
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memoryOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fakeRepoError{notFound: true}
	}
	return cloneOrder(order), nil
}

func (m *memoryOrders) Mutate(_ context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if m.mutateErr != nil {
		if err := m.mutateErr(m.mutations); err != nil {
			return domain.Order{}, err
		}
	}
	stored, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fakeRepoError{notFound: true}
	}
	working := cloneOrder(stored)
	if err := fn(&working); err != nil {
		return domain.Order{}, err
	}
	m.orders[orderID] = cloneOrder(working)
	return working, nil
}

func (m *memoryOrders) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastList = filter
	var page domain.CursorPage[domain.Order]
	for _, order := range m.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		if filter.ShippingPending != nil && order.Shipment.Pending != *filter.ShippingPending {
			continue
		}
		page.Items = append(page.Items, cloneOrder(order))
	}
	return page, nil
}

func (m *memoryOrders) get(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneOrder(m.orders[id])
}

func (m *memoryOrders) put(order domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = cloneOrder(order)
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	order.StatusHistory = slices.Clone(order.StatusHistory)
	order.PaidAt = cloneTime(order.PaidAt)
	order.ShippedAt = cloneTime(order.ShippedAt)
	order.DeliveredAt = cloneTime(order.DeliveredAt)
	order.CancelledAt = cloneTime(order.CancelledAt)
	order.Shipment.LastSyncedAt = cloneTime(order.Shipment.LastSyncedAt)
	return order
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// memoryCatalog backs both the product and inventory repositories so stock
// counters stay consistent across the flow.
type memoryCatalog struct {
	mu           sync.Mutex
	products     map[string]*domain.Product
	reservations map[string]*domain.StockReservation
	commits      int
	reserveErr   error
}

func newMemoryCatalog(products ...domain.Product) *memoryCatalog {
	c := &memoryCatalog{
		products:     map[string]*domain.Product{},
		reservations: map[string]*domain.StockReservation{},
	}
	for i := range products {
		p := products[i]
		c.products[p.ID] = &p
	}
	return c
}

func (c *memoryCatalog) FindByID(_ context.Context, productID string) (domain.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return domain.Product{}, fakeRepoError{notFound: true}
	}
	return *p, nil
}

func (c *memoryCatalog) Reserve(_ context.Context, req repositories.InventoryReserveRequest) (domain.StockReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserveErr != nil {
		return domain.StockReservation{}, c.reserveErr
	}
	for _, line := range req.Lines {
		p, ok := c.products[line.ProductID]
		if !ok {
			return domain.StockReservation{}, repositories.NewProductInventoryError(repositories.InventoryErrorProductNotFound, line.ProductID, "", nil)
		}
		if p.Available() < line.Quantity {
			return domain.StockReservation{}, repositories.NewProductInventoryError(repositories.InventoryErrorInsufficientStock, line.ProductID, "", nil)
		}
	}
	for _, line := range req.Lines {
		c.products[line.ProductID].Reserved += line.Quantity
	}
	res := &domain.StockReservation{
		ID:        req.ReservationID,
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Status:    domain.ReservationStatusReserved,
		Lines:     slices.Clone(req.Lines),
		ExpiresAt: req.ExpiresAt,
		CreatedAt: req.Now,
		UpdatedAt: req.Now,
	}
	c.reservations[res.ID] = res
	return *res, nil
}

func (c *memoryCatalog) transition(id string, from domain.ReservationStatus) (*domain.StockReservation, error) {
	res, ok := c.reservations[id]
	if !ok {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorReservationNotFound, "", nil)
	}
	if res.Status != from {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorInvalidReservationState, "", nil)
	}
	return res, nil
}

func (c *memoryCatalog) Commit(_ context.Context, id string, now time.Time) (domain.StockReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.transition(id, domain.ReservationStatusReserved)
	if err != nil {
		return domain.StockReservation{}, err
	}
	for _, line := range res.Lines {
		p := c.products[line.ProductID]
		p.Reserved -= line.Quantity
		p.Stock -= line.Quantity
		p.Sales += line.Quantity
	}
	c.commits++
	res.Status = domain.ReservationStatusCommitted
	res.UpdatedAt = now
	return *res, nil
}

func (c *memoryCatalog) Release(_ context.Context, id, reason string, now time.Time) (domain.StockReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.transition(id, domain.ReservationStatusReserved)
	if err != nil {
		return domain.StockReservation{}, err
	}
	for _, line := range res.Lines {
		c.products[line.ProductID].Reserved -= line.Quantity
	}
	res.Status = domain.ReservationStatusReleased
	res.Reason = reason
	res.UpdatedAt = now
	return *res, nil
}

func (c *memoryCatalog) Restore(_ context.Context, id string, lines []domain.ReservationLine, now time.Time) (domain.StockReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.transition(id, domain.ReservationStatusCommitted)
	if err != nil {
		return domain.StockReservation{}, err
	}
	for _, line := range lines {
		p := c.products[line.ProductID]
		p.Stock += line.Quantity
		p.Sales -= line.Quantity
	}
	res.Status = domain.ReservationStatusRestored
	res.UpdatedAt = now
	return *res, nil
}

func (c *memoryCatalog) ListExpiredReservations(_ context.Context, before time.Time, limit int) ([]domain.StockReservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.StockReservation
	for _, res := range c.reservations {
		if res.Status == domain.ReservationStatusReserved && res.ExpiresAt.Before(before) {
			out = append(out, *res)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *memoryCatalog) product(id string) domain.Product {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.products[id]
}

func (c *memoryCatalog) reservation(id string) domain.StockReservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.reservations[id]; ok {
		return *res
	}
	return domain.StockReservation{}
}

type memoryCoupons struct {
	coupons   map[string]domain.Coupon
	increment []string
}

func (m *memoryCoupons) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	coupon, ok := m.coupons[code]
	if !ok {
		return domain.Coupon{}, fakeRepoError{notFound: true}
	}
	return coupon, nil
}

func (m *memoryCoupons) IncrementUsage(_ context.Context, couponID string, _ time.Time) error {
	m.increment = append(m.increment, couponID)
	return nil
}

type memoryCounter struct {
	value int64
}

func (m *memoryCounter) Next(_ context.Context, _ string, step int64) (int64, error) {
	m.value += step
	return m.value, nil
}

type memoryCarts struct {
	carts   map[string]domain.Cart
	cleared []string
}

func (m *memoryCarts) Get(_ context.Context, userID string) (domain.Cart, error) {
	if cart, ok := m.carts[userID]; ok {
		return cart, nil
	}
	return domain.Cart{UserID: userID}, nil
}

func (m *memoryCarts) Clear(_ context.Context, userID string) error {
	m.cleared = append(m.cleared, userID)
	delete(m.carts, userID)
	return nil
}

type stubGateway struct {
	createFn func(ctx context.Context, req payments.IntentRequest) (payments.Intent, error)
	verifyFn func(ctx context.Context, proof payments.Verification) error
	requests []payments.IntentRequest
}

func (s *stubGateway) Name() string { return "razorpay" }

func (s *stubGateway) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	s.requests = append(s.requests, req)
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return payments.Intent{Provider: "razorpay", ID: "order_gw_" + req.OrderID, KeyID: "rzp_test", Amount: req.Amount, Currency: req.Currency}, nil
}

func (s *stubGateway) VerifyPayment(ctx context.Context, proof payments.Verification) error {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, proof)
	}
	return nil
}

type stubCarrier struct {
	createFn  func(ctx context.Context, req shipping.ShipmentRequest) (shipping.Booking, error)
	trackFn   func(ctx context.Context, awb string) (shipping.Tracking, error)
	requests  []shipping.ShipmentRequest
	cancelled []string
}

func (s *stubCarrier) CreateShipment(ctx context.Context, req shipping.ShipmentRequest) (shipping.Booking, error) {
	s.requests = append(s.requests, req)
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return shipping.Booking{ShipmentID: 1, AWB: "AWB" + req.OrderNumber, Courier: "Delhivery", TrackingURL: "https://track.example/AWB" + req.OrderNumber}, nil
}

func (s *stubCarrier) Track(ctx context.Context, awb string) (shipping.Tracking, error) {
	if s.trackFn != nil {
		return s.trackFn(ctx, awb)
	}
	return shipping.Tracking{}, errors.New("track not stubbed")
}

func (s *stubCarrier) Cancel(_ context.Context, awb string) error {
	s.cancelled = append(s.cancelled, awb)
	return nil
}

type stubCustomers struct {
	customer domain.Customer
	err      error
}

func (s stubCustomers) LookupCustomer(context.Context, string) (domain.Customer, error) {
	return s.customer, s.err
}

type captureEvents struct {
	events []OrderEvent
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureEvents) types() []string {
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type countingMetrics struct {
	created  int
	verified map[string]int
	outcomes map[string]int
	released map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{verified: map[string]int{}, outcomes: map[string]int{}, released: map[string]int{}}
}

func (m *countingMetrics) OrderCreated(context.Context, string)                 { m.created++ }
func (m *countingMetrics) PaymentVerified(_ context.Context, result string)     { m.verified[result]++ }
func (m *countingMetrics) ShipmentOutcome(_ context.Context, kind string)       { m.outcomes[kind]++ }
func (m *countingMetrics) ReservationReleased(_ context.Context, reason string) { m.released[reason]++ }

type testHarness struct {
	now       time.Time
	orders    *memoryOrders
	catalog   *memoryCatalog
	coupons   *memoryCoupons
	carts     *memoryCarts
	gateway   *stubGateway
	carrier   *stubCarrier
	events    *captureEvents
	metrics   *countingMetrics
	service   OrderService
	idCounter int
}

func newTestHarness(t testing.TB) *testHarness {
	t.Helper()
	h := &testHarness{
		now:    time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		orders: newMemoryOrders(),
		catalog: newMemoryCatalog(
			domain.Product{ID: "prod_a", Name: "Water Can", SKU: "WC-20", Price: 100000, Stock: 10, WeightGrams: 500, Active: true},
			domain.Product{ID: "prod_b", Name: "Dispenser", SKU: "DS-1", Price: 50000, Stock: 5, WeightGrams: 1500, Active: true},
			domain.Product{ID: "prod_off", Name: "Retired", SKU: "OLD", Price: 1000, Stock: 5, Active: false},
		),
		coupons: &memoryCoupons{coupons: map[string]domain.Coupon{
			"SAVE10": {
				ID:            "cpn_save10",
				Code:          "SAVE10",
				Type:          domain.CouponTypePercentage,
				Value:         decimal.NewFromInt(10),
				MinOrderValue: 100000,
				MaxDiscount:   int64Ptr(30000),
				Active:        true,
			},
		}},
		carts:   &memoryCarts{carts: map[string]domain.Cart{}},
		gateway: &stubGateway{},
		carrier: &stubCarrier{},
		events:  &captureEvents{},
		metrics: newCountingMetrics(),
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:    h.orders,
		Products:  h.catalog,
		Inventory: h.catalog,
		Coupons:   h.coupons,
		Counters:  &memoryCounter{},
		Carts:     h.carts,
		Gateway:   h.gateway,
		Carrier:   h.carrier,
		Customers: stubCustomers{customer: domain.Customer{Email: "asha@example.com"}},
		Events:    h.events,
		Metrics:   h.metrics,
		Clock:     func() time.Time { return h.now },
		IDGenerator: func() string {
			h.idCounter++
			return strconv.Itoa(h.idCounter)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	h.service = svc
	return h
}

func validAddress() domain.Address {
	return domain.Address{
		FullName:   "Asha Rao",
		Phone:      "+91 98765 43210",
		Line1:      "12 Lake Road",
		City:       "Bengaluru",
		State:      "KA",
		PostalCode: "560001",
		Country:    "IN",
	}
}

func (h *testHarness) placeOrder(t testing.TB, coupon string) domain.Order {
	t.Helper()
	result, err := h.service.CreateOrder(context.Background(), CreateOrderCommand{
		UserID: "user_1",
		Items: []OrderItemInput{
			{ProductID: "prod_a", Quantity: 2},
			{ProductID: "prod_b", Quantity: 1},
		},
		ShippingAddress: validAddress(),
		CouponCode:      coupon,
		PaymentMethod:   "razorpay",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return result.Order
}

func (h *testHarness) verify(order domain.Order) (ShipmentResult, error) {
	return h.service.VerifyPayment(context.Background(), VerifyPaymentCommand{
		OrderID:        order.ID,
		UserID:         order.UserID,
		GatewayOrderID: order.Payment.GatewayOrderID,
		PaymentID:      "pay_1",
		Signature:      "sig",
	})
}

func int64Ptr(v int64) *int64 { return &v }
