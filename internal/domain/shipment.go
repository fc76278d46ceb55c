package domain

import "time"

// ShipmentOutcome is the result of a shipment booking attempt. It is either
// ShipmentCreated or ShipmentPending.
type ShipmentOutcome interface {
	shipmentOutcome()
}

// ShipmentCreated reports a carrier booking that returned an AWB.
type ShipmentCreated struct {
	AWB         string
	Courier     string
	TrackingURL string
}

// ShipmentPending reports a failed booking awaiting manual retry.
type ShipmentPending struct {
	Reason string
}

func (ShipmentCreated) shipmentOutcome() {}
func (ShipmentPending) shipmentOutcome() {}

// ApplyShipmentOutcome records the outcome on the order. A created shipment
// forces the order to packed; a pending one only raises the flag.
func (o *Order) ApplyShipmentOutcome(outcome ShipmentOutcome, now time.Time) error {
	switch v := outcome.(type) {
	case ShipmentCreated:
		o.Shipment.AWB = v.AWB
		o.Shipment.Courier = v.Courier
		o.Shipment.TrackingURL = v.TrackingURL
		if o.Shipment.TrackingNumber == "" {
			o.Shipment.TrackingNumber = v.AWB
		}
		o.Shipment.Status = ShipmentStatusCreated
		o.Shipment.Pending = false
		o.Shipment.PendingReason = ""
		o.UpdatedAt = now
		if o.Status != OrderStatusPacked {
			return o.Transition(OrderStatusPacked, now, "shipment created")
		}
	case ShipmentPending:
		o.Shipment.Pending = true
		o.Shipment.PendingReason = v.Reason
		o.UpdatedAt = now
	}
	return nil
}

var shipmentProgress = map[ShipmentStatus]int{
	ShipmentStatusNone:           0,
	ShipmentStatusCreated:        1,
	ShipmentStatusPickedUp:       2,
	ShipmentStatusInTransit:      3,
	ShipmentStatusOutForDelivery: 4,
	ShipmentStatusDelivered:      5,
}

// Advances reports whether moving the shipment from s to next should be
// recorded. Progress along the delivery path only moves forward. Once
// delivered, only rto and returned are accepted; returned accepts nothing.
func (s ShipmentStatus) Advances(next ShipmentStatus) bool {
	if next == s || next == "" {
		return false
	}
	switch s {
	case ShipmentStatusDelivered:
		return next == ShipmentStatusRTO || next == ShipmentStatusReturned
	case ShipmentStatusReturned:
		return false
	}
	nextRank, onPath := shipmentProgress[next]
	if !onPath {
		return true
	}
	currentRank, ok := shipmentProgress[s]
	if !ok {
		// a side state is terminal for the delivery path
		return s == ""
	}
	return nextRank > currentRank
}
