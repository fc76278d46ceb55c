package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeProviderName = "stripe"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider. BaseURL overrides the
// Stripe API host and is only set in tests.
type StripeProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Logger  Logger
	intents stripePaymentIntentAPI
}

// StripeProvider uses a PaymentIntent as the gateway intent. The verification
// payment id is the id of the intent's latest charge.
type StripeProvider struct {
	intents    stripePaymentIntentAPI
	configured bool
	logger     Logger
}

// NewStripeProvider constructs the provider. A missing key is reported per request.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	intents := cfg.intents
	if intents == nil {
		intents = client.New(apiKey, newStripeBackends(cfg.BaseURL, cfg.Timeout, logger)).PaymentIntents
	}
	return &StripeProvider{
		intents:    intents,
		configured: apiKey != "" || cfg.intents != nil,
		logger:     logger,
	}, nil
}

// newStripeBackends makes every Stripe call a single attempt bounded by the
// gateway timeout, with library logs routed to the event logger.
func newStripeBackends(baseURL string, timeout time.Duration, logger Logger) *stripe.Backends {
	cfg := &stripe.BackendConfig{
		HTTPClient:        newHTTPClient(timeout),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     stripeLogger{log: logger},
	}
	if url := strings.TrimRight(strings.TrimSpace(baseURL), "/"); url != "" {
		cfg.URL = stripe.String(url)
	}
	return &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
}

// stripeLogger adapts Logger to stripe.LeveledLoggerInterface.
type stripeLogger struct {
	log Logger
}

func (l stripeLogger) Debugf(string, ...interface{}) {}

func (l stripeLogger) Infof(format string, v ...interface{}) {
	l.emit("info", format, v...)
}

func (l stripeLogger) Warnf(format string, v ...interface{}) {
	l.emit("warn", format, v...)
}

func (l stripeLogger) Errorf(format string, v ...interface{}) {
	l.emit("error", format, v...)
}

func (l stripeLogger) emit(level, format string, v ...interface{}) {
	l.log(context.Background(), "payments.stripe.client", map[string]any{
		"level":   level,
		"message": fmt.Sprintf(format, v...),
	})
}

func (p *StripeProvider) Name() string { return stripeProviderName }

// CreateIntent creates a PaymentIntent for the order total.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if !p.configured {
		return Intent{}, fmt.Errorf("%w: stripe api key is required", ErrGatewayConfig)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{Enabled: stripe.Bool(true)}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.AddMetadata("orderId", req.OrderID)
	if req.Receipt != "" {
		params.AddMetadata("orderNumber", req.Receipt)
	}
	for k, v := range req.Notes {
		params.AddMetadata(k, v)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, classifyStripeError("create payment intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
	})
	return Intent{
		Provider:     stripeProviderName,
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
	}, nil
}

// VerifyPayment checks that the intent succeeded and that its latest charge
// matches the payment id reported by the client.
func (p *StripeProvider) VerifyPayment(ctx context.Context, proof Verification) error {
	if !p.configured {
		return fmt.Errorf("%w: stripe api key is required", ErrGatewayConfig)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := p.intents.Get(proof.GatewayOrderID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: unknown payment intent", ErrSignatureMismatch)
		}
		return classifyStripeError("get payment intent", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: intent status %s", ErrPaymentIncomplete, intent.Status)
	}
	if intent.LatestCharge == nil || intent.LatestCharge.ID != strings.TrimSpace(proof.PaymentID) {
		return ErrSignatureMismatch
	}
	return nil
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusUnauthorized || stripeErr.HTTPStatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: stripe: %s: %s", ErrGatewayConfig, op, stripeErr.Msg)
		}
		return fmt.Errorf("%w: stripe: %s: %s", ErrGateway, op, stripeErr.Msg)
	}
	return classifyTransportError("stripe "+op, err)
}
