package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/platform/textutil"
	"github.com/waterjunction/api/internal/repositories"
	"github.com/waterjunction/api/internal/shipping"
)

const maxPendingReasonLength = 200

// ShipmentOrchestratorDeps bundles collaborators for shipment booking and tracking.
type ShipmentOrchestratorDeps struct {
	Orders    repositories.OrderRepository
	Carrier   Carrier
	Customers CustomerDirectory
	Events    OrderEventPublisher
	Metrics   OrderMetrics
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// ShipmentOrchestrator books carrier shipments for paid orders and folds
// carrier tracking back into the order. Carrier failures never fail the
// caller; they leave the order flagged for a manual retry.
type ShipmentOrchestrator struct {
	orders    repositories.OrderRepository
	carrier   Carrier
	customers CustomerDirectory
	events    OrderEventPublisher
	metrics   OrderMetrics
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewShipmentOrchestrator validates dependencies. A nil carrier is allowed;
// every booking then ends pending.
func NewShipmentOrchestrator(deps ShipmentOrchestratorDeps) (*ShipmentOrchestrator, error) {
	if deps.Orders == nil {
		return nil, errors.New("shipment orchestrator: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &ShipmentOrchestrator{
		orders:    deps.Orders,
		carrier:   deps.Carrier,
		customers: deps.Customers,
		events:    deps.Events,
		metrics:   metrics,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Book requests a shipment for a paid order and records the outcome.
func (o *ShipmentOrchestrator) Book(ctx context.Context, order domain.Order) (ShipmentResult, error) {
	var outcome domain.ShipmentOutcome
	booking, err := o.createShipment(ctx, order)
	if err != nil {
		o.logger(ctx, "order.shipment.booking_failed", map[string]any{"orderId": order.ID, "error": err})
		outcome = domain.ShipmentPending{Reason: textutil.PlainText(err.Error(), maxPendingReasonLength)}
	} else {
		outcome = domain.ShipmentCreated{AWB: booking.AWB, Courier: booking.Courier, TrackingURL: booking.TrackingURL}
	}

	now := o.clock()
	previous := order.Status
	updated, err := o.orders.Mutate(ctx, order.ID, func(current *domain.Order) error {
		if current.Shipment.AWB != "" {
			return errShipmentExists
		}
		if current.Status != domain.OrderStatusPaid {
			return errShipmentStale
		}
		return current.ApplyShipmentOutcome(outcome, now)
	})
	if errors.Is(err, errShipmentExists) || errors.Is(err, errShipmentStale) {
		if created, ok := outcome.(domain.ShipmentCreated); ok {
			o.cancelAWB(ctx, order.ID, created.AWB)
		}
		stored, loadErr := o.orders.FindByID(ctx, order.ID)
		if loadErr != nil {
			return ShipmentResult{}, mapRepositoryError(loadErr)
		}
		return ShipmentResult{Order: stored, Outcome: outcomeFromOrder(stored)}, nil
	}
	if err != nil {
		fields := map[string]any{"orderId": order.ID, "error": err}
		if created, ok := outcome.(domain.ShipmentCreated); ok {
			fields["awb"] = created.AWB
			fields["courier"] = created.Courier
		}
		o.logger(ctx, "order.shipment.persist_failed", fields)
		return ShipmentResult{Order: order, Outcome: outcome}, nil
	}

	event := OrderEvent{
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		OccurredAt:     now,
	}
	switch v := outcome.(type) {
	case domain.ShipmentCreated:
		o.metrics.ShipmentOutcome(ctx, "created")
		event.Type = orderEventShipmentCreated
		event.Metadata = map[string]any{"awb": v.AWB, "courier": v.Courier, "trackingUrl": v.TrackingURL}
	case domain.ShipmentPending:
		o.metrics.ShipmentOutcome(ctx, "pending")
		event.Type = orderEventShipmentPending
		event.Metadata = map[string]any{"reason": v.Reason}
	}
	publishOrderEvent(ctx, o.events, o.logger, event)

	return ShipmentResult{Order: updated, Outcome: outcome}, nil
}

func (o *ShipmentOrchestrator) createShipment(ctx context.Context, order domain.Order) (shipping.Booking, error) {
	if o.carrier == nil {
		return shipping.Booking{}, shipping.ErrNotConfigured
	}
	req := shipping.ShipmentRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		OrderDate:   order.CreatedAt,
		Customer:    o.customerFor(ctx, order),
		Address:     order.ShippingAddress,
		Items:       make([]shipping.Item, 0, len(order.Items)),
		SubTotal:    order.Totals.Total,
	}
	for _, item := range order.Items {
		req.Items = append(req.Items, shipping.Item{
			Name:      item.Name,
			SKU:       item.SKU,
			Units:     item.Quantity,
			UnitPrice: item.UnitPrice,
		})
		req.WeightGrams += item.WeightGrams * item.Quantity
	}
	return o.carrier.CreateShipment(ctx, req)
}

// customerFor prefers the identity profile and falls back to the address snapshot.
func (o *ShipmentOrchestrator) customerFor(ctx context.Context, order domain.Order) shipping.Customer {
	customer := shipping.Customer{
		Name:  order.ShippingAddress.FullName,
		Phone: order.ShippingAddress.Phone,
	}
	if o.customers == nil {
		return customer
	}
	profile, err := o.customers.LookupCustomer(ctx, order.UserID)
	if err != nil {
		o.logger(ctx, "order.shipment.customer_lookup_failed", map[string]any{"orderId": order.ID, "userId": order.UserID, "error": err})
		return customer
	}
	customer.Email = strings.TrimSpace(profile.Email)
	if customer.Name == "" {
		customer.Name = strings.TrimSpace(profile.DisplayName)
	}
	if customer.Phone == "" {
		customer.Phone = textutil.Digits(profile.Phone)
	}
	return customer
}

func (o *ShipmentOrchestrator) cancelAWB(ctx context.Context, orderID, awb string) {
	if o.carrier == nil || awb == "" {
		return
	}
	if err := o.carrier.Cancel(context.WithoutCancel(ctx), awb); err != nil {
		o.logger(ctx, "order.shipment.cancel_failed", map[string]any{"orderId": orderID, "awb": awb, "error": err})
	}
}

// CancelBooking asks the carrier to void the order's AWB and records the
// shipment as cancelled. Failures are logged and the order is returned as is.
func (o *ShipmentOrchestrator) CancelBooking(ctx context.Context, order domain.Order) domain.Order {
	if o.carrier == nil || order.Shipment.AWB == "" {
		return order
	}
	if err := o.carrier.Cancel(ctx, order.Shipment.AWB); err != nil {
		o.logger(ctx, "order.shipment.cancel_failed", map[string]any{"orderId": order.ID, "awb": order.Shipment.AWB, "error": err})
		return order
	}
	now := o.clock()
	updated, err := o.orders.Mutate(ctx, order.ID, func(current *domain.Order) error {
		if current.Shipment.Status.Advances(domain.ShipmentStatusCancelled) {
			current.Shipment.Status = domain.ShipmentStatusCancelled
			current.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		o.logger(ctx, "order.shipment.cancel_persist_failed", map[string]any{"orderId": order.ID, "error": err})
		return order
	}
	return updated
}

// Track pulls carrier tracking for the order and ratchets the stored
// shipment status forward. Carrier progress also advances the order from
// packed to shipped and from shipped to delivered.
func (o *ShipmentOrchestrator) Track(ctx context.Context, order domain.Order) (TrackingSnapshot, error) {
	if order.Shipment.AWB == "" {
		return TrackingSnapshot{}, fmt.Errorf("%w: order %s has no shipment", ErrInvalidState, order.ID)
	}
	if o.carrier == nil {
		return TrackingSnapshot{}, mapCarrierError(shipping.ErrNotConfigured)
	}
	tracking, err := o.carrier.Track(ctx, order.Shipment.AWB)
	if err != nil {
		return TrackingSnapshot{}, mapCarrierError(err)
	}

	now := o.clock()
	previous := order.Status
	updated, err := o.orders.Mutate(ctx, order.ID, func(current *domain.Order) error {
		if current.Shipment.AWB != order.Shipment.AWB {
			return nil
		}
		if current.Shipment.Status.Advances(tracking.Status) {
			current.Shipment.Status = tracking.Status
		}
		if current.Shipment.Courier == "" {
			current.Shipment.Courier = tracking.Courier
		}
		if current.Shipment.TrackingURL == "" {
			current.Shipment.TrackingURL = tracking.TrackingURL
		}
		synced := now
		current.Shipment.LastSyncedAt = &synced
		current.UpdatedAt = now
		return advanceOrderFromShipment(current, now)
	})
	if err != nil {
		return TrackingSnapshot{}, mapRepositoryError(err)
	}

	if updated.Status != previous {
		publishOrderEvent(ctx, o.events, o.logger, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        updated.ID,
			OrderNumber:    updated.OrderNumber,
			UserID:         updated.UserID,
			PreviousStatus: string(previous),
			CurrentStatus:  string(updated.Status),
			OccurredAt:     now,
			Metadata:       map[string]any{"source": "carrier", "carrierStatus": tracking.CarrierStatus},
		})
	}

	return TrackingSnapshot{
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		OrderStatus:    updated.Status,
		AWB:            updated.Shipment.AWB,
		Courier:        updated.Shipment.Courier,
		TrackingURL:    updated.Shipment.TrackingURL,
		ShipmentStatus: updated.Shipment.Status,
		CarrierStatus:  tracking.CarrierStatus,
		Events:         tracking.Events,
		LastSyncedAt:   updated.Shipment.LastSyncedAt,
		DeliveredAt:    updated.DeliveredAt,
	}, nil
}

func advanceOrderFromShipment(order *domain.Order, now time.Time) error {
	switch order.Shipment.Status {
	case domain.ShipmentStatusInTransit, domain.ShipmentStatusOutForDelivery:
		if order.Status == domain.OrderStatusPacked {
			return order.Transition(domain.OrderStatusShipped, now, "carrier in transit")
		}
	case domain.ShipmentStatusDelivered:
		if order.Status == domain.OrderStatusPacked {
			if err := order.Transition(domain.OrderStatusShipped, now, "carrier in transit"); err != nil {
				return err
			}
		}
		if order.Status == domain.OrderStatusShipped {
			return order.Transition(domain.OrderStatusDelivered, now, "carrier delivered")
		}
	}
	return nil
}
