package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage captures a page of results and the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the fulfilment states of an order.
type OrderStatus string

const (
	// OrderStatusPending is the initial state; the buyer has not paid yet.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates the payment signature was verified.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusPacked indicates the carrier accepted the shipment.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusShipped indicates the parcel is moving.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the parcel reached the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusReturned is an administrative terminal state.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusCancelled is terminal for buyer and admin cancellations.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus enumerates payment bookkeeping states.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ShipmentStatus mirrors the carrier lifecycle of a shipment.
type ShipmentStatus string

const (
	ShipmentStatusNone           ShipmentStatus = "none"
	ShipmentStatusCreated        ShipmentStatus = "created"
	ShipmentStatusPickedUp       ShipmentStatus = "picked_up"
	ShipmentStatusInTransit      ShipmentStatus = "in_transit"
	ShipmentStatusOutForDelivery ShipmentStatus = "out_for_delivery"
	ShipmentStatusDelivered      ShipmentStatus = "delivered"
	ShipmentStatusReturned       ShipmentStatus = "returned"
	ShipmentStatusRTO            ShipmentStatus = "rto"
	ShipmentStatusCancelled      ShipmentStatus = "cancelled"
)

// Address is the shipping address snapshot captured on an order.
type Address struct {
	FullName   string `validate:"required,max=120"`
	Phone      string `validate:"required,min=7,max=20"`
	Line1      string `validate:"required,max=200"`
	Line2      string `validate:"max=200"`
	City       string `validate:"required,max=80"`
	State      string `validate:"required,max=80"`
	PostalCode string `validate:"required,min=3,max=12"`
	Country    string `validate:"required,max=56"`
}

// OrderItem is an immutable snapshot of a product line taken at order time.
type OrderItem struct {
	ProductID   string
	Name        string
	Image       string
	Variant     string
	SKU         string
	UnitPrice   int64
	Quantity    int
	WeightGrams int
}

// LineTotal returns unit price multiplied by quantity.
func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// OrderTotals holds the money fields of an order in minor currency units.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Balanced reports whether total == subtotal - discount + shipping + tax.
func (t OrderTotals) Balanced() bool {
	return t.Total == t.Subtotal-t.Discount+t.Shipping+t.Tax
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	Status OrderStatus
	At     time.Time
	Note   string
}

// OrderPayment captures gateway identifiers echoed back during verification.
type OrderPayment struct {
	Provider       string
	GatewayOrderID string
	PaymentID      string
	Signature      string
}

// OrderShipment captures carrier booking details.
type OrderShipment struct {
	AWB            string
	Courier        string
	TrackingURL    string
	TrackingNumber string
	Status         ShipmentStatus
	Pending        bool
	PendingReason  string
	LastSyncedAt   *time.Time
}

// Order is the aggregate root of the order lifecycle.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	Items              []OrderItem
	ShippingAddress    Address
	PaymentMethod      string
	Currency           string
	Totals             OrderTotals
	CouponID           string
	CouponCode         string
	Status             OrderStatus
	PaymentStatus      PaymentStatus
	Payment            OrderPayment
	Shipment           OrderShipment
	StatusHistory      []StatusChange
	ReservationID      string
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	PaidAt             *time.Time
	ShippedAt          *time.Time
	DeliveredAt        *time.Time
	CancelledAt        *time.Time
}

// TotalQuantity sums the quantities across the item snapshot.
func (o Order) TotalQuantity() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

// Product is the catalog view consumed by the order flow.
type Product struct {
	ID          string
	Name        string
	Image       string
	SKU         string
	Price       int64
	Stock       int
	Reserved    int
	Sales       int
	WeightGrams int
	Active      bool
	UpdatedAt   time.Time
}

// Available returns live stock minus outstanding reservations.
func (p Product) Available() int {
	available := p.Stock - p.Reserved
	if available < 0 {
		return 0
	}
	return available
}

// ReservationStatus enumerates stock reservation states.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusRestored  ReservationStatus = "restored"
)

// ReservationLine is the reserved quantity for one product.
type ReservationLine struct {
	ProductID string
	Quantity  int
}

// StockReservation holds stock for a pending order until it is paid or expires.
type StockReservation struct {
	ID        string
	OrderID   string
	UserID    string
	Status    ReservationStatus
	Lines     []ReservationLine
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	Reason    string
}

// CartItem is a line of the buyer's cart.
type CartItem struct {
	ProductID string
	Variant   string
	Quantity  int
}

// Cart is the read-only snapshot consumed at order creation.
type Cart struct {
	UserID     string
	Items      []CartItem
	CouponCode string
	UpdatedAt  time.Time
}

// Customer carries contact details used in carrier payloads.
type Customer struct {
	UserID      string
	DisplayName string
	Email       string
	Phone       string
}
