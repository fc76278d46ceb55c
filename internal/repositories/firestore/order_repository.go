package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/waterjunction/api/internal/domain"
	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
	"github.com/waterjunction/api/internal/repositories"
)

const (
	ordersCollection     = "orders"
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

type orderItemDocument struct {
	ProductID   string `firestore:"productId"`
	Name        string `firestore:"name"`
	Image       string `firestore:"image,omitempty"`
	Variant     string `firestore:"variant,omitempty"`
	SKU         string `firestore:"sku,omitempty"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Quantity    int    `firestore:"quantity"`
	WeightGrams int    `firestore:"weightGrams,omitempty"`
}

type addressDocument struct {
	FullName   string `firestore:"fullName"`
	Phone      string `firestore:"phone"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type paymentDocument struct {
	Provider       string `firestore:"provider,omitempty"`
	GatewayOrderID string `firestore:"gatewayOrderId,omitempty"`
	PaymentID      string `firestore:"paymentId,omitempty"`
	Signature      string `firestore:"signature,omitempty"`
}

type shipmentDocument struct {
	AWB            string     `firestore:"awb,omitempty"`
	Courier        string     `firestore:"courier,omitempty"`
	TrackingURL    string     `firestore:"trackingUrl,omitempty"`
	TrackingNumber string     `firestore:"trackingNumber,omitempty"`
	Status         string     `firestore:"status"`
	PendingReason  string     `firestore:"pendingReason,omitempty"`
	LastSyncedAt   *time.Time `firestore:"lastSyncedAt,omitempty"`
}

type statusChangeDocument struct {
	Status string    `firestore:"status"`
	At     time.Time `firestore:"at"`
	Note   string    `firestore:"note,omitempty"`
}

type orderDocument struct {
	OrderNumber        string                 `firestore:"orderNumber"`
	UserID             string                 `firestore:"userId"`
	Items              []orderItemDocument    `firestore:"items"`
	ShippingAddress    addressDocument        `firestore:"shippingAddress"`
	PaymentMethod      string                 `firestore:"paymentMethod"`
	Currency           string                 `firestore:"currency"`
	Subtotal           int64                  `firestore:"subtotal"`
	Discount           int64                  `firestore:"discount"`
	Shipping           int64                  `firestore:"shipping"`
	Tax                int64                  `firestore:"tax"`
	Total              int64                  `firestore:"total"`
	CouponID           string                 `firestore:"couponId,omitempty"`
	CouponCode         string                 `firestore:"couponCode,omitempty"`
	Status             string                 `firestore:"status"`
	PaymentStatus      string                 `firestore:"paymentStatus"`
	Payment            paymentDocument        `firestore:"payment"`
	Shipment           shipmentDocument       `firestore:"shipment"`
	ShippingPending    bool                   `firestore:"shippingPending"`
	StatusHistory      []statusChangeDocument `firestore:"statusHistory"`
	ReservationID      string                 `firestore:"reservationId,omitempty"`
	CancellationReason string                 `firestore:"cancellationReason,omitempty"`
	CreatedAt          time.Time              `firestore:"createdAt"`
	UpdatedAt          time.Time              `firestore:"updatedAt"`
	PaidAt             *time.Time             `firestore:"paidAt,omitempty"`
	ShippedAt          *time.Time             `firestore:"shippedAt,omitempty"`
	DeliveredAt        *time.Time             `firestore:"deliveredAt,omitempty"`
	CancelledAt        *time.Time             `firestore:"cancelledAt,omitempty"`
}

// OrderRepository stores orders in the "orders" collection keyed by order id.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

// NewOrderRepository constructs a Firestore backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document; an existing id is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	return r.orders.Create(ctx, order.ID, newOrderDocument(order))
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Mutate runs fn against the stored order inside a transaction and persists
// the result. fn may be invoked more than once when the transaction retries.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}
	var result domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.orders.GetTx(tx, orderID)
		if err != nil {
			return err
		}
		order := doc.Data.toDomain(doc.ID)
		if err := fn(&order); err != nil {
			return err
		}
		ref, err := r.orders.Doc(orderID)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// List returns orders newest first. The page token encodes the createdAt and
// id of the last returned order.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	size := filter.Pagination.PageSize
	switch {
	case size <= 0:
		size = defaultOrderPageSize
	case size > maxOrderPageSize:
		size = maxOrderPageSize
	}

	var cursor *orderCursor
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		cursor = &decoded
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if userID := strings.TrimSpace(filter.UserID); userID != "" {
			q = q.Where("userId", "==", userID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.ShippingPending != nil {
			q = q.Where("shippingPending", "==", *filter.ShippingPending)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor != nil {
			q = q.StartAfter(cursor.createdAt, cursor.id)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			last := page.Items[len(page.Items)-1]
			page.NextPageToken = encodeOrderCursor(orderCursor{createdAt: last.CreatedAt, id: last.ID})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

type orderCursor struct {
	createdAt time.Time
	id        string
}

func encodeOrderCursor(c orderCursor) string {
	raw := strconv.FormatInt(c.createdAt.UnixNano(), 10) + "|" + c.id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeOrderCursor(token string) (orderCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return orderCursor{}, fmt.Errorf("%w: %v", repositories.ErrInvalidPageToken, err)
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return orderCursor{}, repositories.ErrInvalidPageToken
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return orderCursor{}, fmt.Errorf("%w: %v", repositories.ErrInvalidPageToken, err)
	}
	return orderCursor{createdAt: time.Unix(0, n).UTC(), id: id}, nil
}

func newOrderDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Items:       make([]orderItemDocument, 0, len(o.Items)),
		ShippingAddress: addressDocument{
			FullName:   o.ShippingAddress.FullName,
			Phone:      o.ShippingAddress.Phone,
			Line1:      o.ShippingAddress.Line1,
			Line2:      o.ShippingAddress.Line2,
			City:       o.ShippingAddress.City,
			State:      o.ShippingAddress.State,
			PostalCode: o.ShippingAddress.PostalCode,
			Country:    o.ShippingAddress.Country,
		},
		PaymentMethod: o.PaymentMethod,
		Currency:      o.Currency,
		Subtotal:      o.Totals.Subtotal,
		Discount:      o.Totals.Discount,
		Shipping:      o.Totals.Shipping,
		Tax:           o.Totals.Tax,
		Total:         o.Totals.Total,
		CouponID:      o.CouponID,
		CouponCode:    o.CouponCode,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Payment:       paymentDocument(o.Payment),
		Shipment: shipmentDocument{
			AWB:            o.Shipment.AWB,
			Courier:        o.Shipment.Courier,
			TrackingURL:    o.Shipment.TrackingURL,
			TrackingNumber: o.Shipment.TrackingNumber,
			Status:         string(o.Shipment.Status),
			PendingReason:  o.Shipment.PendingReason,
			LastSyncedAt:   utcPtr(o.Shipment.LastSyncedAt),
		},
		ShippingPending:    o.Shipment.Pending,
		StatusHistory:      make([]statusChangeDocument, 0, len(o.StatusHistory)),
		ReservationID:      o.ReservationID,
		CancellationReason: o.CancellationReason,
		CreatedAt:          o.CreatedAt.UTC(),
		UpdatedAt:          o.UpdatedAt.UTC(),
		PaidAt:             utcPtr(o.PaidAt),
		ShippedAt:          utcPtr(o.ShippedAt),
		DeliveredAt:        utcPtr(o.DeliveredAt),
		CancelledAt:        utcPtr(o.CancelledAt),
	}
	if doc.Shipment.Status == "" {
		doc.Shipment.Status = string(domain.ShipmentStatusNone)
	}
	for _, item := range o.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	for _, change := range o.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, statusChangeDocument{
			Status: string(change.Status),
			At:     change.At.UTC(),
			Note:   change.Note,
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Items:       make([]domain.OrderItem, 0, len(d.Items)),
		ShippingAddress: domain.Address{
			FullName:   d.ShippingAddress.FullName,
			Phone:      d.ShippingAddress.Phone,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
		},
		PaymentMethod: d.PaymentMethod,
		Currency:      d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Discount: d.Discount,
			Shipping: d.Shipping,
			Tax:      d.Tax,
			Total:    d.Total,
		},
		CouponID:      d.CouponID,
		CouponCode:    d.CouponCode,
		Status:        domain.OrderStatus(d.Status),
		PaymentStatus: domain.PaymentStatus(d.PaymentStatus),
		Payment:       domain.OrderPayment(d.Payment),
		Shipment: domain.OrderShipment{
			AWB:            d.Shipment.AWB,
			Courier:        d.Shipment.Courier,
			TrackingURL:    d.Shipment.TrackingURL,
			TrackingNumber: d.Shipment.TrackingNumber,
			Status:         domain.ShipmentStatus(d.Shipment.Status),
			Pending:        d.ShippingPending,
			PendingReason:  d.Shipment.PendingReason,
			LastSyncedAt:   utcPtr(d.Shipment.LastSyncedAt),
		},
		StatusHistory:      make([]domain.StatusChange, 0, len(d.StatusHistory)),
		ReservationID:      d.ReservationID,
		CancellationReason: d.CancellationReason,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
		PaidAt:             utcPtr(d.PaidAt),
		ShippedAt:          utcPtr(d.ShippedAt),
		DeliveredAt:        utcPtr(d.DeliveredAt),
		CancelledAt:        utcPtr(d.CancelledAt),
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem(item))
	}
	for _, change := range d.StatusHistory {
		order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
			Status: domain.OrderStatus(change.Status),
			At:     change.At.UTC(),
			Note:   change.Note,
		})
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
