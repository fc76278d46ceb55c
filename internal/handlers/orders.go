package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/platform/auth"
	"github.com/waterjunction/api/internal/platform/httpx"
	"github.com/waterjunction/api/internal/services"
)

const (
	maxCreateOrderBodySize = 32 * 1024
	maxOrderActionBodySize = 4 * 1024
)

type orderItemRequest struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Items           []orderItemRequest `json:"items"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	CouponCode      string             `json:"coupon_code"`
	PaymentMethod   string             `json:"payment_method"`
}

type verifyPaymentRequest struct {
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the buyer order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency wraps create and verify with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Get("/{orderID}/tracking", h.trackShipment)

	r.Group(func(r chi.Router) {
		if h.idempotency != nil {
			r.Use(h.idempotency)
		}
		r.Post("/", h.createOrder)
		r.Post("/{orderID}/verify-payment", h.verifyPayment)
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(w, r, maxCreateOrderBodySize, false, &req) {
		return
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput(item))
	}

	result, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		UserID:          identity.UID,
		Items:           items,
		ShippingAddress: domain.Address(req.ShippingAddress),
		CouponCode:      req.CouponCode,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+result.Order.ID)
	httpx.WriteJSON(w, http.StatusCreated, createOrderResponse{
		Order:  buildOrderPayload(result.Order),
		Intent: buildIntentPayload(result.Intent),
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}
	statuses, ok := parseStatusFilter(query["status"])
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown status", http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		UserID: identity.UID,
		Status: statuses,
		Pagination: domain.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderListResponse(page, buildOrderPayload))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req verifyPaymentRequest
	if !decodeJSONBody(w, r, maxOrderActionBodySize, false, &req) {
		return
	}

	result, err := h.orders.VerifyPayment(ctx, services.VerifyPaymentCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		UserID:         identity.UID,
		GatewayOrderID: req.GatewayOrderID,
		PaymentID:      req.PaymentID,
		Signature:      req.Signature,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildShipmentResultResponse(result))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderActionBodySize, true, &req) {
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  identity.UID,
		ActorID: identity.UID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) trackShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	snap, err := h.orders.TrackShipment(ctx, chi.URLParam(r, "orderID"), identity.UID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTrackingResponse(snap))
}

func (h *OrderHandlers) identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

var knownOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:   {},
	domain.OrderStatusPaid:      {},
	domain.OrderStatusPacked:    {},
	domain.OrderStatusShipped:   {},
	domain.OrderStatusDelivered: {},
	domain.OrderStatusReturned:  {},
	domain.OrderStatusCancelled: {},
}

// parseStatusFilter accepts repeated or comma separated status values.
func parseStatusFilter(values []string) ([]domain.OrderStatus, bool) {
	var statuses []domain.OrderStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if _, ok := knownOrderStatuses[status]; !ok {
				return nil, false
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, true
}

func buildOrderListResponse(page domain.CursorPage[domain.Order], build func(domain.Order) orderPayload) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, build(order))
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}
