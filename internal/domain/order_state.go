package domain

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("domain: invalid order status transition")

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusPaid:      {OrderStatusPacked, OrderStatusCancelled, OrderStatusReturned},
	OrderStatusPacked:    {OrderStatusShipped, OrderStatusReturned},
	OrderStatusShipped:   {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered: {OrderStatusReturned},
	OrderStatusCancelled: {OrderStatusReturned},
}

// orderStatusRank orders the forward path so tracking can refuse to move backwards.
var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusPaid:      1,
	OrderStatusPacked:    2,
	OrderStatusShipped:   3,
	OrderStatusDelivered: 4,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// IsForward reports whether to is strictly ahead of from on the fulfilment path.
// Terminal side states (cancelled, returned) are never forward.
func IsForward(from, to OrderStatus) bool {
	fromRank, ok := orderStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := orderStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// IsCancellable reports whether cancellation is legal from the current status.
func (o Order) IsCancellable() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPaid
}

// Transition moves the order to the target status, appending to StatusHistory
// and stamping the matching lifecycle timestamp.
func (o *Order) Transition(to OrderStatus, at time.Time, note string) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidTransition)
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	o.StatusHistory = append(o.StatusHistory, StatusChange{Status: to, At: at, Note: note})

	switch to {
	case OrderStatusPaid:
		if o.PaidAt == nil {
			o.PaidAt = timePtr(at)
		}
	case OrderStatusShipped:
		if o.ShippedAt == nil {
			o.ShippedAt = timePtr(at)
		}
	case OrderStatusDelivered:
		if o.DeliveredAt == nil {
			o.DeliveredAt = timePtr(at)
		}
	case OrderStatusCancelled:
		if o.CancelledAt == nil {
			o.CancelledAt = timePtr(at)
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
