package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const orderGatewayName = "razorpay"

// OrderGatewayConfig configures the orders API gateway.
type OrderGatewayConfig struct {
	BaseURL    string
	KeyID      string
	KeySecret  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     Logger
}

// OrderGateway creates gateway orders over HTTP and verifies the HMAC
// signature the checkout widget returns after payment.
type OrderGateway struct {
	baseURL   string
	keyID     string
	keySecret string
	client    *http.Client
	logger    Logger
}

// NewOrderGateway builds the gateway client once at process start.
func NewOrderGateway(cfg OrderGatewayConfig) (*OrderGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payments: gateway base url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient(cfg.Timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &OrderGateway{
		baseURL:   baseURL,
		keyID:     strings.TrimSpace(cfg.KeyID),
		keySecret: strings.TrimSpace(cfg.KeySecret),
		client:    client,
		logger:    logger,
	}, nil
}

func (g *OrderGateway) Name() string { return orderGatewayName }

type createOrderPayload struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type gatewayOrder struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type gatewayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateIntent creates a gateway order for the amount in minor units.
func (g *OrderGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if g.keyID == "" || g.keySecret == "" {
		return Intent{}, fmt.Errorf("%w: key id and secret are required", ErrGatewayConfig)
	}
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: amount must be positive", ErrGateway)
	}

	body, err := json.Marshal(createOrderPayload{
		Amount:   req.Amount,
		Currency: strings.ToUpper(req.Currency),
		Receipt:  clipReceipt(req.Receipt),
		Notes:    req.Notes,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("payments: encode order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return Intent{}, fmt.Errorf("payments: build request: %w", err)
	}
	httpReq.SetBasicAuth(g.keyID, g.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		httpReq.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		g.logger(ctx, "payments.gateway.request_failed", map[string]any{"orderId": req.OrderID, "error": err})
		return Intent{}, classifyTransportError("create order", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Intent{}, classifyTransportError("read order response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Intent{}, fmt.Errorf("%w: credentials rejected (%d)", ErrGatewayConfig, resp.StatusCode)
	case resp.StatusCode >= 300:
		var apiErr gatewayErrorBody
		_ = json.Unmarshal(raw, &apiErr)
		return Intent{}, fmt.Errorf("%w: status %d %s %s", ErrGateway, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Description)
	}

	var order gatewayOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return Intent{}, fmt.Errorf("%w: decode order: %v", ErrGateway, err)
	}
	if strings.TrimSpace(order.ID) == "" || order.Entity != "order" {
		return Intent{}, fmt.Errorf("%w: unexpected order response", ErrGateway)
	}
	if order.Amount <= 0 || strings.TrimSpace(order.Currency) == "" {
		return Intent{}, fmt.Errorf("%w: order response missing amount or currency", ErrGateway)
	}

	g.logger(ctx, "payments.gateway.order_created", map[string]any{
		"orderId":        req.OrderID,
		"gatewayOrderId": order.ID,
		"amount":         order.Amount,
	})

	return Intent{
		Provider: orderGatewayName,
		ID:       order.ID,
		KeyID:    g.keyID,
		Amount:   order.Amount,
		Currency: strings.ToUpper(order.Currency),
	}, nil
}

// VerifyPayment checks the checkout signature locally. No network call is made.
func (g *OrderGateway) VerifyPayment(_ context.Context, proof Verification) error {
	if g.keySecret == "" {
		return fmt.Errorf("%w: key secret is required", ErrGatewayConfig)
	}
	if !VerifySignature(g.keySecret, proof.GatewayOrderID, proof.PaymentID, proof.Signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// receipts are limited to 40 characters by the gateway
func clipReceipt(receipt string) string {
	receipt = strings.TrimSpace(receipt)
	if len(receipt) > 40 {
		return receipt[:40]
	}
	return receipt
}
