package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
)

// VerifyPayment checks the gateway proof for a pending order. A valid proof
// marks the order paid, converts its reservation into sales and books the
// shipment; a forged or mismatched proof fails and cancels the order.
// Verifying an already paid order is a no-op that returns the stored state.
func (s *orderService) VerifyPayment(ctx context.Context, cmd VerifyPaymentCommand) (ShipmentResult, error) {
	gatewayOrderID := strings.TrimSpace(cmd.GatewayOrderID)
	paymentID := strings.TrimSpace(cmd.PaymentID)
	signature := strings.TrimSpace(cmd.Signature)
	if gatewayOrderID == "" || paymentID == "" || signature == "" {
		return ShipmentResult{}, fmt.Errorf("%w: gateway order id, payment id and signature are required", ErrValidation)
	}

	order, err := s.loadOrder(ctx, cmd.OrderID, cmd.UserID)
	if err != nil {
		return ShipmentResult{}, err
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return ShipmentResult{Order: order, Outcome: outcomeFromOrder(order)}, nil
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return ShipmentResult{}, fmt.Errorf("%w: order %s cannot be paid in status %s", ErrInvalidState, order.ID, order.Status)
	}

	if order.Payment.GatewayOrderID == "" || order.Payment.GatewayOrderID != gatewayOrderID {
		return ShipmentResult{}, s.failPayment(ctx, order, cmd.UserID, "gateway order mismatch")
	}

	proof := payments.Verification{GatewayOrderID: gatewayOrderID, PaymentID: paymentID, Signature: signature}
	if err := s.gateway.VerifyPayment(ctx, proof); err != nil {
		if errors.Is(err, payments.ErrSignatureMismatch) {
			return ShipmentResult{}, s.failPayment(ctx, order, cmd.UserID, "signature mismatch")
		}
		s.metrics.PaymentVerified(ctx, "error")
		s.logger(ctx, "order.payment.verify_error", map[string]any{"orderId": order.ID, "error": err})
		return ShipmentResult{}, mapGatewayError(err)
	}

	now := s.clock()
	previous := order.Status
	order, err = s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.PaymentStatus == domain.PaymentStatusPaid {
			return errAlreadyPaid
		}
		if o.Status != domain.OrderStatusPending || o.PaymentStatus != domain.PaymentStatusPending {
			return fmt.Errorf("%w: order %s cannot be paid in status %s", ErrInvalidState, o.ID, o.Status)
		}
		o.PaymentStatus = domain.PaymentStatusPaid
		o.Payment.PaymentID = paymentID
		o.Payment.Signature = signature
		return o.Transition(domain.OrderStatusPaid, now, "payment verified")
	})
	if errors.Is(err, errAlreadyPaid) {
		stored, loadErr := s.loadOrder(ctx, cmd.OrderID, cmd.UserID)
		if loadErr != nil {
			return ShipmentResult{}, loadErr
		}
		return ShipmentResult{Order: stored, Outcome: outcomeFromOrder(stored)}, nil
	}
	if err != nil {
		return ShipmentResult{}, mapRepositoryError(err)
	}

	s.metrics.PaymentVerified(ctx, "paid")
	if _, err := s.inventory.Commit(ctx, order.ReservationID, now); err != nil && !errors.Is(err, ErrInvalidState) {
		s.logger(ctx, "order.reservation.commit_failed", map[string]any{
			"orderId":       order.ID,
			"reservationId": order.ReservationID,
			"error":         err,
		})
	}
	if order.CouponID != "" {
		if err := s.coupons.CommitUsage(ctx, order.CouponID, now); err != nil {
			s.logger(ctx, "order.coupon.usage_failed", map[string]any{"orderId": order.ID, "couponId": order.CouponID, "error": err})
		}
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaid,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.UserID,
		OccurredAt:     now,
		Metadata: map[string]any{
			"paymentId": paymentID,
			"provider":  order.Payment.Provider,
			"total":     order.Totals.Total,
		},
	})

	return s.shipments.Book(ctx, order)
}

// failPayment marks a pending order failed and cancelled, then returns its
// reserved stock. The returned error is always ErrGatewaySignature.
func (s *orderService) failPayment(ctx context.Context, order domain.Order, actorID, cause string) error {
	ctx = context.WithoutCancel(ctx)
	now := s.clock()
	skipped := false
	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.PaymentStatus == domain.PaymentStatusPaid || o.Status != domain.OrderStatusPending {
			skipped = true
			return nil
		}
		o.PaymentStatus = domain.PaymentStatusFailed
		o.CancellationReason = reasonSignatureMismatch
		return o.Transition(domain.OrderStatusCancelled, now, reasonSignatureMismatch)
	})
	s.metrics.PaymentVerified(ctx, "failed")
	s.logger(ctx, "order.payment.rejected", map[string]any{"orderId": order.ID, "cause": cause})
	if err != nil {
		s.logger(ctx, "order.payment.fail_persist_failed", map[string]any{"orderId": order.ID, "error": err})
		return fmt.Errorf("%w: %s", ErrGatewaySignature, cause)
	}
	if skipped {
		return fmt.Errorf("%w: %s", ErrGatewaySignature, cause)
	}

	s.releaseQuietly(ctx, updated, reasonSignatureMismatch)
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventPaymentFailed,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(domain.OrderStatusPending),
		CurrentStatus:  string(updated.Status),
		ActorID:        actorID,
		OccurredAt:     now,
		Metadata:       map[string]any{"cause": cause},
	})
	return fmt.Errorf("%w: %s", ErrGatewaySignature, cause)
}

// outcomeFromOrder rebuilds the shipment outcome recorded on an order, or nil
// when no booking has been attempted yet.
func outcomeFromOrder(order domain.Order) domain.ShipmentOutcome {
	if order.Shipment.AWB != "" {
		return domain.ShipmentCreated{
			AWB:         order.Shipment.AWB,
			Courier:     order.Shipment.Courier,
			TrackingURL: order.Shipment.TrackingURL,
		}
	}
	if order.Shipment.Pending {
		return domain.ShipmentPending{Reason: order.Shipment.PendingReason}
	}
	return nil
}
