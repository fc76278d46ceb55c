package services

import (
	"context"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/shipping"
)

// OrderService exposes the order lifecycle to HTTP handlers. A non-empty
// UserID on a command scopes the call to that buyer's orders; admin calls
// leave it empty.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID, userID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListShippingPending(ctx context.Context, page domain.Pagination) (domain.CursorPage[domain.Order], error)
	VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (ShipmentResult, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
	UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
	TrackShipment(ctx context.Context, orderID, userID string) (TrackingSnapshot, error)
	CreateShipmentManually(ctx context.Context, orderID, actorID string) (ShipmentResult, error)
}

// PaymentGateway creates payable intents and verifies payment proofs.
type PaymentGateway interface {
	Name() string
	CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error)
	VerifyPayment(ctx context.Context, proof payments.Verification) error
}

// Carrier books, tracks and cancels shipments.
type Carrier interface {
	CreateShipment(ctx context.Context, req shipping.ShipmentRequest) (shipping.Booking, error)
	Track(ctx context.Context, awb string) (shipping.Tracking, error)
	Cancel(ctx context.Context, awb string) error
}

// CustomerDirectory reads buyer contact details for shipment labels.
type CustomerDirectory interface {
	LookupCustomer(ctx context.Context, userID string) (domain.Customer, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderMetrics counts lifecycle outcomes. *observability.OrderMetrics implements it.
type OrderMetrics interface {
	OrderCreated(ctx context.Context, paymentMethod string)
	PaymentVerified(ctx context.Context, result string)
	ShipmentOutcome(ctx context.Context, kind string)
	ReservationReleased(ctx context.Context, reason string)
}

// OrderItemInput is one requested cart line.
type OrderItemInput struct {
	ProductID string
	Variant   string
	Quantity  int
}

// CreateOrderCommand places an order. When Items is empty the buyer's cart
// is used, including its coupon unless CouponCode is set.
type CreateOrderCommand struct {
	UserID          string
	Items           []OrderItemInput
	ShippingAddress domain.Address
	CouponCode      string
	PaymentMethod   string
}

// CreateOrderResult pairs the pending order with its payable intent.
type CreateOrderResult struct {
	Order  domain.Order
	Intent payments.Intent
}

// OrderListFilter narrows ListOrders.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// VerifyPaymentCommand carries the payment proof returned by the checkout client.
type VerifyPaymentCommand struct {
	OrderID        string
	UserID         string
	GatewayOrderID string
	PaymentID      string
	Signature      string
}

// ShipmentResult is the order after payment or a manual booking together
// with the outcome of the shipment attempt. Outcome is nil when no booking
// was attempted.
type ShipmentResult struct {
	Order   domain.Order
	Outcome domain.ShipmentOutcome
}

// CancelOrderCommand cancels a pending or paid order.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	ActorID string
	Reason  string
}

// UpdateOrderStatusCommand is the admin override for fulfilment states.
type UpdateOrderStatusCommand struct {
	OrderID        string
	Status         domain.OrderStatus
	TrackingNumber string
	ActorID        string
	Note           string
}

// TrackingSnapshot is the tracking view returned to buyers and admins.
type TrackingSnapshot struct {
	OrderID        string
	OrderNumber    string
	OrderStatus    domain.OrderStatus
	AWB            string
	Courier        string
	TrackingURL    string
	ShipmentStatus domain.ShipmentStatus
	CarrierStatus  string
	Events         []shipping.TrackingEvent
	LastSyncedAt   *time.Time
	DeliveredAt    *time.Time
}
