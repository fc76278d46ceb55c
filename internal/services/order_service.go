package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/platform/textutil"
	"github.com/waterjunction/api/internal/repositories"
)

const (
	orderEventCreated         = "order.created"
	orderEventPaid            = "order.paid"
	orderEventPaymentFailed   = "order.payment_failed"
	orderEventCancelled       = "order.cancelled"
	orderEventStatusChanged   = "order.status.changed"
	orderEventShipmentCreated = "order.shipment.created"
	orderEventShipmentPending = "order.shipment.pending"

	orderIDPrefix       = "ord_"
	reservationIDPrefix = "rsv_"

	reasonIntentFailed      = "payment_intent_failed"
	reasonSignatureMismatch = "payment_signature_mismatch"
	reasonReservationExpiry = "reservation_expired"
	reasonCancelled         = "cancelled"

	defaultOrderNumberPrefix = "WJ"
	defaultCurrency          = "INR"
	defaultReservationTTL    = 30 * time.Minute
	maxItemsPerOrder         = 50
	maxReasonLength          = 500
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Products  repositories.ProductRepository
	Inventory repositories.InventoryRepository
	Coupons   repositories.CouponRepository
	Counters  repositories.CounterRepository
	Carts     repositories.CartRepository
	Gateway   PaymentGateway
	Carrier   Carrier
	Customers CustomerDirectory
	Events    OrderEventPublisher
	Metrics   OrderMetrics

	// PaymentMethod is the single method buyers may choose; it defaults to the gateway name.
	PaymentMethod     string
	Currency          string
	OrderNumberPrefix string
	ReservationTTL    time.Duration
	Pricing           *domain.PricingPolicy

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	products  repositories.ProductRepository
	counters  repositories.CounterRepository
	carts     repositories.CartRepository
	inventory *InventoryLedger
	coupons   *CouponLedger
	gateway   PaymentGateway
	shipments *ShipmentOrchestrator
	events    OrderEventPublisher
	metrics   OrderMetrics
	validate  *validator.Validate

	paymentMethod  string
	currency       string
	numberPrefix   string
	reservationTTL time.Duration
	pricing        domain.PricingPolicy

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Products == nil:
		return nil, errors.New("order service: product repository is required")
	case deps.Counters == nil:
		return nil, errors.New("order service: counter repository is required")
	case deps.Carts == nil:
		return nil, errors.New("order service: cart repository is required")
	case deps.Gateway == nil:
		return nil, errors.New("order service: payment gateway is required")
	}

	inventory, err := NewInventoryLedger(deps.Inventory)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponLedger(deps.Coupons)
	if err != nil {
		return nil, err
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return strings.ToLower(ulid.Make().String())
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	shipments, err := NewShipmentOrchestrator(ShipmentOrchestratorDeps{
		Orders:    deps.Orders,
		Carrier:   deps.Carrier,
		Customers: deps.Customers,
		Events:    deps.Events,
		Metrics:   metrics,
		Clock:     utc,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	pricing := domain.DefaultPricingPolicy()
	if deps.Pricing != nil {
		pricing = *deps.Pricing
	}

	method := strings.ToLower(strings.TrimSpace(deps.PaymentMethod))
	if method == "" {
		method = strings.ToLower(deps.Gateway.Name())
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	prefix := strings.TrimSpace(deps.OrderNumberPrefix)
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}
	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	return &orderService{
		orders:         deps.Orders,
		products:       deps.Products,
		counters:       deps.Counters,
		carts:          deps.Carts,
		inventory:      inventory,
		coupons:        coupons,
		gateway:        deps.Gateway,
		shipments:      shipments,
		events:         deps.Events,
		metrics:        metrics,
		validate:       validator.New(),
		paymentMethod:  method,
		currency:       currency,
		numberPrefix:   prefix,
		reservationTTL: ttl,
		pricing:        pricing,
		clock:          utc,
		newID:          idGen,
		logger:         logger,
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	method := strings.ToLower(strings.TrimSpace(cmd.PaymentMethod))
	if method != s.paymentMethod {
		return CreateOrderResult{}, fmt.Errorf("%w: payment method %q is not supported", ErrValidation, cmd.PaymentMethod)
	}
	address, err := s.sanitizeAddress(cmd.ShippingAddress)
	if err != nil {
		return CreateOrderResult{}, err
	}

	inputs := cmd.Items
	couponCode := cmd.CouponCode
	fromCart := len(inputs) == 0
	if fromCart {
		cart, err := s.carts.Get(ctx, userID)
		if err != nil {
			return CreateOrderResult{}, mapRepositoryError(err)
		}
		for _, item := range cart.Items {
			inputs = append(inputs, OrderItemInput{ProductID: item.ProductID, Variant: item.Variant, Quantity: item.Quantity})
		}
		if strings.TrimSpace(couponCode) == "" {
			couponCode = cart.CouponCode
		}
	}
	if err := validateItemInputs(inputs); err != nil {
		return CreateOrderResult{}, err
	}

	now := s.clock()
	items, err := s.snapshotItems(ctx, inputs)
	if err != nil {
		return CreateOrderResult{}, err
	}

	coupon, err := s.coupons.Resolve(ctx, couponCode, domain.Subtotal(items), now)
	if err != nil {
		return CreateOrderResult{}, err
	}
	totals, err := s.pricing.Totals(items, coupon)
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	orderNumber, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return CreateOrderResult{}, err
	}

	order := domain.Order{
		ID:              orderIDPrefix + s.newID(),
		OrderNumber:     orderNumber,
		UserID:          userID,
		Items:           items,
		ShippingAddress: address,
		PaymentMethod:   s.paymentMethod,
		Currency:        s.currency,
		Totals:          totals,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		Shipment:        domain.OrderShipment{Status: domain.ShipmentStatusNone},
		ReservationID:   reservationIDPrefix + s.newID(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if coupon != nil {
		order.CouponID = coupon.ID
		order.CouponCode = coupon.Code
	}

	if _, err := s.inventory.Reserve(ctx, order.ReservationID, order.ID, userID, items, now.Add(s.reservationTTL), now); err != nil {
		return CreateOrderResult{}, err
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		s.releaseQuietly(ctx, order, "order_insert_failed")
		return CreateOrderResult{}, mapRepositoryError(err)
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.IntentRequest{
		OrderID:        order.ID,
		Receipt:        order.OrderNumber,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		Notes:          map[string]string{"orderId": order.ID, "orderNumber": order.OrderNumber},
		IdempotencyKey: "intent-" + order.ID,
	})
	if err != nil {
		s.logger(ctx, "order.intent.failed", map[string]any{"orderId": order.ID, "error": err})
		s.abandonOrder(ctx, order)
		return CreateOrderResult{}, mapGatewayError(err)
	}

	placed, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		o.Payment.Provider = intent.Provider
		o.Payment.GatewayOrderID = intent.ID
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger(ctx, "order.intent.persist_failed", map[string]any{"orderId": order.ID, "gatewayOrderId": intent.ID, "error": err})
		s.abandonOrder(ctx, order)
		return CreateOrderResult{}, mapRepositoryError(err)
	}
	order = placed

	if err := s.carts.Clear(ctx, userID); err != nil {
		s.logger(ctx, "order.cart.clear_failed", map[string]any{"orderId": order.ID, "userId": userID, "error": err})
	}

	s.metrics.OrderCreated(ctx, s.paymentMethod)
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		ActorID:       userID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":    order.Totals.Total,
			"currency": order.Currency,
			"items":    order.TotalQuantity(),
			"coupon":   order.CouponCode,
			"fromCart": fromCart,
		},
	})

	return CreateOrderResult{Order: order, Intent: intent}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID, userID string) (domain.Order, error) {
	return s.loadOrder(ctx, orderID, userID)
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListShippingPending(ctx context.Context, pagination domain.Pagination) (domain.CursorPage[domain.Order], error) {
	pending := true
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		Status:          []domain.OrderStatus{domain.OrderStatusPaid},
		ShippingPending: &pending,
		Pagination:      pagination,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error) {
	current, err := s.loadOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return domain.Order{}, err
	}
	reason := textutil.PlainText(cmd.Reason, maxReasonLength)
	now := s.clock()

	var previous domain.OrderStatus
	order, err := s.orders.Mutate(ctx, current.ID, func(o *domain.Order) error {
		if !o.IsCancellable() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, o.ID, o.Status)
		}
		previous = o.Status
		o.CancellationReason = reason
		if o.PaymentStatus == domain.PaymentStatusPaid {
			o.PaymentStatus = domain.PaymentStatusRefunded
		}
		return o.Transition(domain.OrderStatusCancelled, now, reason)
	})
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}

	switch previous {
	case domain.OrderStatusPending:
		s.releaseQuietly(ctx, order, reasonCancelled)
	case domain.OrderStatusPaid:
		s.restoreStock(ctx, order, now)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventCancelled,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       map[string]any{"reason": reason, "paymentStatus": string(order.PaymentStatus)},
	})
	return order, nil
}

var adminStatusTargets = map[domain.OrderStatus]bool{
	domain.OrderStatusShipped:   true,
	domain.OrderStatusDelivered: true,
	domain.OrderStatusReturned:  true,
}

func (s *orderService) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !adminStatusTargets[target] {
		return domain.Order{}, fmt.Errorf("%w: status %q cannot be set directly", ErrValidation, cmd.Status)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	tracking := textutil.PlainText(cmd.TrackingNumber, 64)
	note := textutil.PlainText(cmd.Note, maxReasonLength)
	now := s.clock()

	var previous domain.OrderStatus
	order, err := s.orders.Mutate(ctx, orderID, func(o *domain.Order) error {
		if !domain.CanTransition(o.Status, target) {
			return fmt.Errorf("%w: cannot move order from %s to %s", ErrInvalidState, o.Status, target)
		}
		previous = o.Status
		if tracking != "" {
			o.Shipment.TrackingNumber = tracking
		}
		return o.Transition(target, now, note)
	})
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}

	if target == domain.OrderStatusReturned && order.Shipment.AWB != "" && order.Shipment.Status == domain.ShipmentStatusCreated {
		order = s.shipments.CancelBooking(ctx, order)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.ActorID,
		OccurredAt:     now,
		Metadata:       map[string]any{"trackingNumber": order.Shipment.TrackingNumber, "note": note},
	})
	return order, nil
}

func (s *orderService) TrackShipment(ctx context.Context, orderID, userID string) (TrackingSnapshot, error) {
	order, err := s.loadOrder(ctx, orderID, userID)
	if err != nil {
		return TrackingSnapshot{}, err
	}
	return s.shipments.Track(ctx, order)
}

func (s *orderService) CreateShipmentManually(ctx context.Context, orderID, actorID string) (ShipmentResult, error) {
	order, err := s.loadOrder(ctx, orderID, "")
	if err != nil {
		return ShipmentResult{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusPaid || order.Status != domain.OrderStatusPaid || order.Shipment.AWB != "" {
		return ShipmentResult{}, fmt.Errorf("%w: order %s is not awaiting shipment", ErrInvalidState, order.ID)
	}
	s.logger(ctx, "order.shipment.manual_retry", map[string]any{"orderId": order.ID, "actorId": actorID})
	return s.shipments.Book(ctx, order)
}

func (s *orderService) loadOrder(ctx context.Context, orderID, userID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrValidation)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	if userID != "" && order.UserID != userID {
		return domain.Order{}, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) snapshotItems(ctx context.Context, inputs []OrderItemInput) ([]domain.OrderItem, error) {
	requested := make(map[string]int, len(inputs))
	items := make([]domain.OrderItem, 0, len(inputs))
	for _, input := range inputs {
		productID := strings.TrimSpace(input.ProductID)
		product, err := s.products.FindByID(ctx, productID)
		if err != nil {
			mapped := mapRepositoryError(err)
			if errors.Is(mapped, ErrNotFound) {
				return nil, fmt.Errorf("%w: product %s", ErrNotFound, productID)
			}
			return nil, mapped
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is not available", ErrConflict, productID)
		}
		requested[productID] += input.Quantity
		if product.Available() < requested[productID] {
			return nil, fmt.Errorf("%w: insufficient stock for product %s", ErrConflict, productID)
		}
		items = append(items, domain.OrderItem{
			ProductID:   product.ID,
			Name:        product.Name,
			Image:       product.Image,
			Variant:     textutil.PlainText(input.Variant, 80),
			SKU:         product.SKU,
			UnitPrice:   product.Price,
			Quantity:    input.Quantity,
			WeightGrams: product.WeightGrams,
		})
	}
	return items, nil
}

func (s *orderService) sanitizeAddress(addr domain.Address) (domain.Address, error) {
	clean := domain.Address{
		FullName:   textutil.PlainText(addr.FullName, 120),
		Phone:      textutil.Digits(addr.Phone),
		Line1:      textutil.PlainText(addr.Line1, 200),
		Line2:      textutil.PlainText(addr.Line2, 200),
		City:       textutil.PlainText(addr.City, 80),
		State:      textutil.PlainText(addr.State, 80),
		PostalCode: textutil.PlainText(addr.PostalCode, 12),
		Country:    textutil.PlainText(addr.Country, 56),
	}
	if err := s.validate.Struct(clean); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field())
			}
			return domain.Address{}, fmt.Errorf("%w: invalid shipping address fields %s", ErrValidation, strings.Join(fields, ", "))
		}
		return domain.Address{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return clean, nil
}

func validateItemInputs(inputs []OrderItemInput) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	if len(inputs) > maxItemsPerOrder {
		return fmt.Errorf("%w: order cannot contain more than %d items", ErrValidation, maxItemsPerOrder)
	}
	for i, item := range inputs {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d is missing a product id", ErrValidation, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrValidation, i)
		}
	}
	return nil
}

// abandonOrder cancels an order whose payment intent could not be attached and
// releases its stock, so no pending order without an intent survives.
func (s *orderService) abandonOrder(ctx context.Context, order domain.Order) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock()
	_, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusPending {
			return nil
		}
		o.CancellationReason = reasonIntentFailed
		return o.Transition(domain.OrderStatusCancelled, now, reasonIntentFailed)
	})
	if err != nil {
		s.logger(ctx, "order.abandon.failed", map[string]any{"orderId": order.ID, "error": err})
	}
	s.releaseQuietly(ctx, order, reasonIntentFailed)
}

func (s *orderService) releaseQuietly(ctx context.Context, order domain.Order, reason string) {
	if order.ReservationID == "" {
		return
	}
	if _, err := s.inventory.Release(ctx, order.ReservationID, reason, s.clock()); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return
		}
		s.logger(ctx, "order.reservation.release_failed", map[string]any{
			"orderId":       order.ID,
			"reservationId": order.ReservationID,
			"reason":        reason,
			"error":         err,
		})
		return
	}
	s.metrics.ReservationReleased(ctx, reason)
}

// restoreStock returns the item snapshot of a cancelled paid order to stock.
// A reservation still held (its commit never landed) is released instead.
func (s *orderService) restoreStock(ctx context.Context, order domain.Order, now time.Time) {
	if order.ReservationID == "" {
		return
	}
	_, err := s.inventory.Restore(ctx, order.ReservationID, order.Items, now)
	if errors.Is(err, ErrInvalidState) {
		s.releaseQuietly(ctx, order, reasonCancelled)
		return
	}
	if err != nil {
		s.logger(ctx, "order.stock.restore_failed", map[string]any{
			"orderId":       order.ID,
			"reservationId": order.ReservationID,
			"error":         err,
		})
	}
}

func (s *orderService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, "orders", 1)
	if err != nil {
		return "", fmt.Errorf("order service: allocate order number: %w", mapRepositoryError(err))
	}
	return fmt.Sprintf("%s%d%04d", s.numberPrefix, now.UnixMilli(), seq%10000), nil
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err,
			"status": event.CurrentStatus,
		})
	}
}

type noopMetrics struct{}

func (noopMetrics) OrderCreated(context.Context, string)        {}
func (noopMetrics) PaymentVerified(context.Context, string)     {}
func (noopMetrics) ShipmentOutcome(context.Context, string)     {}
func (noopMetrics) ReservationReleased(context.Context, string) {}
