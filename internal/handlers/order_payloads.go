package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/platform/httpx"
	"github.com/waterjunction/api/internal/platform/requestctx"
	"github.com/waterjunction/api/internal/services"
)

type addressPayload struct {
	FullName   string `json:"full_name"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Variant   string `json:"variant,omitempty"`
	SKU       string `json:"sku,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Total     int64  `json:"total"`
}

type orderTotalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type orderPaymentPayload struct {
	Provider       string `json:"provider,omitempty"`
	GatewayOrderID string `json:"gateway_order_id,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`
}

type orderShipmentPayload struct {
	AWB            string `json:"awb,omitempty"`
	Courier        string `json:"courier,omitempty"`
	TrackingURL    string `json:"tracking_url,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Status         string `json:"status"`
	Pending        *bool  `json:"shipping_pending,omitempty"`
	PendingReason  string `json:"pending_reason,omitempty"`
	LastSyncedAt   string `json:"last_synced_at,omitempty"`
}

type statusChangePayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Note   string `json:"note,omitempty"`
}

type orderPayload struct {
	ID                 string                `json:"id"`
	OrderNumber        string                `json:"order_number"`
	UserID             string                `json:"user_id"`
	Status             string                `json:"status"`
	PaymentStatus      string                `json:"payment_status"`
	PaymentMethod      string                `json:"payment_method"`
	Currency           string                `json:"currency"`
	Totals             orderTotalsPayload    `json:"totals"`
	CouponCode         string                `json:"coupon_code,omitempty"`
	Items              []orderItemPayload    `json:"items"`
	ShippingAddress    addressPayload        `json:"shipping_address"`
	Payment            orderPaymentPayload   `json:"payment"`
	Shipment           orderShipmentPayload  `json:"shipment"`
	StatusHistory      []statusChangePayload `json:"status_history"`
	CancellationReason string                `json:"cancellation_reason,omitempty"`
	CreatedAt          string                `json:"created_at"`
	UpdatedAt          string                `json:"updated_at,omitempty"`
	PaidAt             string                `json:"paid_at,omitempty"`
	ShippedAt          string                `json:"shipped_at,omitempty"`
	DeliveredAt        string                `json:"delivered_at,omitempty"`
	CancelledAt        string                `json:"cancelled_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type intentPayload struct {
	Provider     string `json:"provider"`
	ID           string `json:"id"`
	KeyID        string `json:"key_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type createOrderResponse struct {
	Order  orderPayload  `json:"order"`
	Intent intentPayload `json:"payment_intent"`
}

type shipmentOutcomePayload struct {
	Result      string `json:"result"`
	AWB         string `json:"awb,omitempty"`
	Courier     string `json:"courier,omitempty"`
	TrackingURL string `json:"tracking_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type shipmentResultResponse struct {
	Order    orderPayload            `json:"order"`
	Shipment *shipmentOutcomePayload `json:"shipment_result,omitempty"`
}

type trackingEventPayload struct {
	Status   string `json:"status"`
	Activity string `json:"activity,omitempty"`
	Location string `json:"location,omitempty"`
	At       string `json:"at,omitempty"`
}

type trackingResponse struct {
	OrderID        string                 `json:"order_id"`
	OrderNumber    string                 `json:"order_number"`
	OrderStatus    string                 `json:"order_status"`
	AWB            string                 `json:"awb"`
	Courier        string                 `json:"courier,omitempty"`
	TrackingURL    string                 `json:"tracking_url,omitempty"`
	ShipmentStatus string                 `json:"shipment_status"`
	CarrierStatus  string                 `json:"carrier_status,omitempty"`
	Events         []trackingEventPayload `json:"events"`
	LastSyncedAt   string                 `json:"last_synced_at,omitempty"`
	DeliveredAt    string                 `json:"delivered_at,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		PaymentMethod: order.PaymentMethod,
		Currency:      order.Currency,
		Totals: orderTotalsPayload{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		CouponCode:      order.CouponCode,
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress: addressPayload(order.ShippingAddress),
		Payment: orderPaymentPayload{
			Provider:       order.Payment.Provider,
			GatewayOrderID: order.Payment.GatewayOrderID,
			PaymentID:      order.Payment.PaymentID,
		},
		Shipment: orderShipmentPayload{
			AWB:            order.Shipment.AWB,
			Courier:        order.Shipment.Courier,
			TrackingURL:    order.Shipment.TrackingURL,
			TrackingNumber: order.Shipment.TrackingNumber,
			Status:         string(order.Shipment.Status),
			LastSyncedAt:   formatTimePtr(order.Shipment.LastSyncedAt),
		},
		StatusHistory:      make([]statusChangePayload, 0, len(order.StatusHistory)),
		CancellationReason: order.CancellationReason,
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
		PaidAt:             formatTimePtr(order.PaidAt),
		ShippedAt:          formatTimePtr(order.ShippedAt),
		DeliveredAt:        formatTimePtr(order.DeliveredAt),
		CancelledAt:        formatTimePtr(order.CancelledAt),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			Variant:   item.Variant,
			SKU:       item.SKU,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Total:     item.LineTotal(),
		})
	}
	for _, change := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
			Status: string(change.Status),
			At:     formatTime(change.At),
			Note:   change.Note,
		})
	}
	return payload
}

// buildAdminOrderPayload adds the shipping pending flag and carrier failure
// reason, which buyers never see.
func buildAdminOrderPayload(order domain.Order) orderPayload {
	payload := buildOrderPayload(order)
	pending := order.Shipment.Pending
	payload.Shipment.Pending = &pending
	payload.Shipment.PendingReason = order.Shipment.PendingReason
	return payload
}

func buildIntentPayload(intent payments.Intent) intentPayload {
	return intentPayload(intent)
}

// buildShipmentResultResponse is the buyer view of a verification result. A
// pending booking is reported as if no shipment was attempted yet.
func buildShipmentResultResponse(result services.ShipmentResult) shipmentResultResponse {
	resp := shipmentResultResponse{Order: buildOrderPayload(result.Order)}
	if outcome, ok := result.Outcome.(domain.ShipmentCreated); ok {
		resp.Shipment = buildShipmentCreatedPayload(outcome)
	}
	return resp
}

func buildAdminShipmentResultResponse(result services.ShipmentResult) shipmentResultResponse {
	resp := shipmentResultResponse{Order: buildAdminOrderPayload(result.Order)}
	switch outcome := result.Outcome.(type) {
	case domain.ShipmentCreated:
		resp.Shipment = buildShipmentCreatedPayload(outcome)
	case domain.ShipmentPending:
		resp.Shipment = &shipmentOutcomePayload{Result: "pending", Reason: outcome.Reason}
	}
	return resp
}

func buildShipmentCreatedPayload(outcome domain.ShipmentCreated) *shipmentOutcomePayload {
	return &shipmentOutcomePayload{
		Result:      "created",
		AWB:         outcome.AWB,
		Courier:     outcome.Courier,
		TrackingURL: outcome.TrackingURL,
	}
}

func buildTrackingResponse(snap services.TrackingSnapshot) trackingResponse {
	resp := trackingResponse{
		OrderID:        snap.OrderID,
		OrderNumber:    snap.OrderNumber,
		OrderStatus:    string(snap.OrderStatus),
		AWB:            snap.AWB,
		Courier:        snap.Courier,
		TrackingURL:    snap.TrackingURL,
		ShipmentStatus: string(snap.ShipmentStatus),
		CarrierStatus:  snap.CarrierStatus,
		Events:         make([]trackingEventPayload, 0, len(snap.Events)),
		LastSyncedAt:   formatTimePtr(snap.LastSyncedAt),
		DeliveredAt:    formatTimePtr(snap.DeliveredAt),
	}
	for _, event := range snap.Events {
		resp.Events = append(resp.Events, trackingEventPayload{
			Status:   event.Status,
			Activity: event.Activity,
			Location: event.Location,
			At:       formatTimePtr(event.At),
		})
	}
	return resp
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrGatewaySignature):
		httpx.WriteError(ctx, w, httpx.NewError("payment_verification_failed", "payment could not be verified", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_timeout", "an upstream service timed out", http.StatusGatewayTimeout))
	case errors.Is(err, services.ErrGatewayConfig):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_unconfigured", "payment gateway is not available", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrGatewayUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrCarrier):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_error", "shipping carrier request failed", http.StatusBadGateway))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
