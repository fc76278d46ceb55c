package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrGatewayConfig reports missing or rejected gateway credentials.
	ErrGatewayConfig = errors.New("payments: gateway not configured")
	// ErrGateway reports a gateway failure other than credentials.
	ErrGateway = errors.New("payments: gateway request failed")
	// ErrTimeout reports a gateway call that exceeded its deadline.
	ErrTimeout = errors.New("payments: gateway timeout")
	// ErrSignatureMismatch reports a payment proof that does not match the gateway order.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrPaymentIncomplete reports a payment the gateway has not captured yet.
	ErrPaymentIncomplete = errors.New("payments: payment not completed")
	// ErrUnsupportedProvider is returned by New for unknown provider names.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
)

// IntentRequest asks the gateway for a payable intent covering one order.
type IntentRequest struct {
	OrderID        string
	Receipt        string
	Amount         int64
	Currency       string
	Notes          map[string]string
	IdempotencyKey string
}

// Intent is the gateway handle returned to the buyer's checkout client.
type Intent struct {
	Provider     string `json:"provider"`
	ID           string `json:"id"`
	KeyID        string `json:"keyId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Verification is the payment proof echoed back by the checkout client.
type Verification struct {
	GatewayOrderID string
	PaymentID      string
	Signature      string
}

// Provider is implemented by every gateway adapter.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	VerifyPayment(ctx context.Context, proof Verification) error
}

// Logger receives structured gateway events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Settings selects and configures the active gateway.
type Settings struct {
	Provider     string
	BaseURL      string
	KeyID        string
	KeySecret    string
	StripeAPIKey string
	Timeout      time.Duration
	Logger       Logger
}

// New builds the provider named by settings. Credentials are not checked here;
// requests made without them fail with ErrGatewayConfig.
func New(settings Settings) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(settings.Provider)) {
	case "razorpay", "":
		return NewOrderGateway(OrderGatewayConfig{
			BaseURL:   settings.BaseURL,
			KeyID:     settings.KeyID,
			KeySecret: settings.KeySecret,
			Timeout:   settings.Timeout,
			Logger:    settings.Logger,
		})
	case "stripe":
		return NewStripeProvider(StripeProviderConfig{
			APIKey:  settings.StripeAPIKey,
			Timeout: settings.Timeout,
			Logger:  settings.Logger,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, settings.Provider)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// classifyTransportError wraps a failed round trip. Timeouts match both
// ErrTimeout and ErrGatewayConfig since they are fatal for the request.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %s: %v", ErrTimeout, ErrGatewayConfig, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w: %s: %v", ErrTimeout, ErrGatewayConfig, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrGateway, op, err)
}

func noopLogger(context.Context, string, map[string]any) {}
