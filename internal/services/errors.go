package services

import (
	"errors"
	"fmt"

	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/repositories"
	"github.com/waterjunction/api/internal/shipping"
)

var (
	// ErrValidation signals malformed input. Nothing was persisted.
	ErrValidation = errors.New("orders: validation failed")
	// ErrNotFound signals a missing order, product, coupon or reservation.
	ErrNotFound = errors.New("orders: not found")
	// ErrConflict signals insufficient stock or an unusable coupon.
	ErrConflict = errors.New("orders: conflict")
	// ErrInvalidState signals an operation the current order state forbids.
	ErrInvalidState = errors.New("orders: invalid state")
	// ErrGatewayConfig signals missing or rejected gateway credentials.
	ErrGatewayConfig = errors.New("orders: payment gateway not configured")
	// ErrGatewayUnavailable signals a gateway failure that is not a credential problem.
	ErrGatewayUnavailable = errors.New("orders: payment gateway unavailable")
	// ErrGatewaySignature signals a payment proof that failed verification.
	ErrGatewaySignature = errors.New("orders: payment signature mismatch")
	// ErrCarrier signals a shipment carrier failure.
	ErrCarrier = errors.New("orders: carrier request failed")
	// ErrTimeout signals an external call that ran out of time. It is always
	// paired with ErrGatewayConfig or ErrCarrier.
	ErrTimeout = errors.New("orders: external call timed out")
)

var (
	errAlreadyPaid     = errors.New("orders: already paid")
	errShipmentExists  = errors.New("orders: shipment already booked")
	errShipmentStale   = errors.New("orders: order no longer awaits shipment")
	errSweepNotPending = errors.New("orders: order is no longer pending")
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, repositories.ErrInvalidPageToken) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock, repositories.InventoryErrorProductInactive:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repositories.InventoryErrorProductNotFound, repositories.InventoryErrorReservationNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repositories.InventoryErrorInvalidReservationState:
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("orders: repository unavailable: %w", err)
		}
	}
	return err
}

func mapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrTimeout):
		return fmt.Errorf("%w: %w: %v", ErrTimeout, ErrGatewayConfig, err)
	case errors.Is(err, payments.ErrGatewayConfig):
		return fmt.Errorf("%w: %v", ErrGatewayConfig, err)
	case errors.Is(err, payments.ErrSignatureMismatch):
		return fmt.Errorf("%w: %v", ErrGatewaySignature, err)
	case errors.Is(err, payments.ErrPaymentIncomplete):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	default:
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
}

func mapCarrierError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, shipping.ErrTimeout):
		return fmt.Errorf("%w: %w: %v", ErrTimeout, ErrCarrier, err)
	default:
		return fmt.Errorf("%w: %v", ErrCarrier, err)
	}
}
