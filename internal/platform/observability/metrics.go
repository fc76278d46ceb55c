package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrderMetrics counts order lifecycle events. A zero value or nil receiver is
// a no-op, so services can run without a meter in tests.
type OrderMetrics struct {
	created      metric.Int64Counter
	verification metric.Int64Counter
	shipments    metric.Int64Counter
	released     metric.Int64Counter
}

// NewOrderMetrics registers the counters on meter, falling back to the global provider.
func NewOrderMetrics(meter metric.Meter) (*OrderMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentation)
	}
	created, err := meter.Int64Counter("orders.created", metric.WithDescription("Orders persisted with a payment intent"))
	if err != nil {
		return nil, err
	}
	verification, err := meter.Int64Counter("orders.payment_verifications", metric.WithDescription("Payment verifications by result"))
	if err != nil {
		return nil, err
	}
	shipments, err := meter.Int64Counter("orders.shipment_outcomes", metric.WithDescription("Shipment booking outcomes by kind"))
	if err != nil {
		return nil, err
	}
	released, err := meter.Int64Counter("orders.reservations_released", metric.WithDescription("Stock reservations released by reason"))
	if err != nil {
		return nil, err
	}
	return &OrderMetrics{created: created, verification: verification, shipments: shipments, released: released}, nil
}

func (m *OrderMetrics) OrderCreated(ctx context.Context, paymentMethod string) {
	if m == nil || m.created == nil {
		return
	}
	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", paymentMethod)))
}

func (m *OrderMetrics) PaymentVerified(ctx context.Context, result string) {
	if m == nil || m.verification == nil {
		return
	}
	m.verification.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *OrderMetrics) ShipmentOutcome(ctx context.Context, kind string) {
	if m == nil || m.shipments == nil {
		return
	}
	m.shipments.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *OrderMetrics) ReservationReleased(ctx context.Context, reason string) {
	if m == nil || m.released == nil {
		return
	}
	m.released.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
