package shipping

import (
	"fmt"
	"strings"

	"github.com/waterjunction/api/internal/domain"
)

var carrierStatuses = map[string]domain.ShipmentStatus{
	"AWB ASSIGNED":       domain.ShipmentStatusCreated,
	"LABEL GENERATED":    domain.ShipmentStatusCreated,
	"PICKUP SCHEDULED":   domain.ShipmentStatusCreated,
	"PICKUP GENERATED":   domain.ShipmentStatusCreated,
	"PICKUP QUEUED":      domain.ShipmentStatusCreated,
	"MANIFEST GENERATED": domain.ShipmentStatusCreated,
	"OUT FOR PICKUP":     domain.ShipmentStatusCreated,
	"PICKED UP":          domain.ShipmentStatusPickedUp,
	"SHIPPED":            domain.ShipmentStatusInTransit,
	"IN TRANSIT":         domain.ShipmentStatusInTransit,
	"OUT FOR DELIVERY":   domain.ShipmentStatusOutForDelivery,
	"DELIVERED":          domain.ShipmentStatusDelivered,
	"RETURNED":           domain.ShipmentStatusReturned,
	"CANCELED":           domain.ShipmentStatusCancelled,
	"CANCELLED":          domain.ShipmentStatusCancelled,
}

// MapStatus converts a carrier status label into a shipment status. Any RTO
// label maps to rto. Unknown labels are rejected rather than defaulted.
func MapStatus(label string) (domain.ShipmentStatus, error) {
	normalized := strings.ToUpper(strings.Join(strings.Fields(strings.ReplaceAll(label, "_", " ")), " "))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty carrier status", ErrUnknownStatus)
	}
	if strings.HasPrefix(normalized, "RTO") {
		return domain.ShipmentStatusRTO, nil
	}
	if status, ok := carrierStatuses[normalized]; ok {
		return status, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, label)
}
