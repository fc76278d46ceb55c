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

type updateOrderStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	Note           string `json:"note"`
}

// AdminOrderHandlers exposes fulfilment operations to staff.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewAdminOrderHandlers constructs the admin order endpoints.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAdmin())
	}
	r.Get("/shipping-pending", h.listShippingPending)
	r.Put("/{orderID}/status", h.updateStatus)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/shipment", h.createShipment)
	r.Get("/{orderID}/tracking", h.trackShipment)
}

func (h *AdminOrderHandlers) listShippingPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	query := r.URL.Query()
	pageSize, err := parsePageSize(query.Get("page_size"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}
	page, err := h.orders.ListShippingPending(ctx, domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderListResponse(page, buildAdminOrderPayload))
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req updateOrderStatusRequest
	if !decodeJSONBody(w, r, maxOrderActionBodySize, false, &req) {
		return
	}
	order, err := h.orders.UpdateOrderStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		Status:         domain.OrderStatus(req.Status),
		TrackingNumber: req.TrackingNumber,
		ActorID:        actor,
		Note:           req.Note,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildAdminOrderPayload(order)})
}

func (h *AdminOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderActionBodySize, true, &req) {
		return
	}
	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: actor,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildAdminOrderPayload(order)})
}

func (h *AdminOrderHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	result, err := h.orders.CreateShipmentManually(ctx, chi.URLParam(r, "orderID"), actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminShipmentResultResponse(result))
}

func (h *AdminOrderHandlers) trackShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.actor(w, r); !ok {
		return
	}
	snap, err := h.orders.TrackShipment(ctx, chi.URLParam(r, "orderID"), "")
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildTrackingResponse(snap))
}

func (h *AdminOrderHandlers) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return identity.UID, true
}
