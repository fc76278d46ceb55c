package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 60 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 15 * time.Second
	defaultOrderEventsTopic    = "order-events"
	defaultFirestoreTxAttempts = 5
	defaultFirestoreTxTimeout  = 15 * time.Second
	defaultGatewayProvider     = "razorpay"
	defaultGatewayBaseURL      = "https://api.razorpay.com/v1"
	defaultGatewayCurrency     = "INR"
	defaultExternalTimeout     = 30 * time.Second
	defaultCarrierBaseURL      = "https://apiv2.shiprocket.in/v1/external"
	defaultCarrierWeightGrams  = 500
	defaultTrackingURLTemplate = "https://shiprocket.co/tracking/%s"
	defaultOrderNumberPrefix   = "WJ"
	defaultTaxRateBasisPoints  = 1800
	defaultReservationTTL      = 30 * time.Minute
	defaultSweepInterval       = time.Minute
	defaultSweepBatchSize      = 100
	defaultAdminRole           = "admin"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Secrets     SecretsConfig
	Gateway     GatewayConfig
	Stripe      StripeConfig
	Carrier     CarrierConfig
	Orders      OrdersConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings used for ID token verification.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	AdminRole       string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	TxAttempts   int
	TxTimeout    time.Duration
}

// PubSubConfig locates the order events topic.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	Disabled         bool
}

// SecretsConfig controls Secret Manager lookups.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// GatewayConfig describes the payment gateway. Empty credentials are allowed at
// load time; creating an intent without them fails per request.
type GatewayConfig struct {
	Provider      string
	PaymentMethod string
	BaseURL       string
	KeyID         string
	KeySecret     string
	Currency      string
	Timeout       time.Duration
}

// StripeConfig holds the Stripe secret key when Stripe is the active gateway.
type StripeConfig struct {
	APIKey string
}

// CarrierConfig describes the shipment carrier API.
type CarrierConfig struct {
	BaseURL             string
	Email               string
	Password            string
	PickupLocation      string
	DefaultWeightGrams  int
	TrackingURLTemplate string
	Timeout             time.Duration
}

// OrdersConfig holds order policy knobs.
type OrdersConfig struct {
	NumberPrefix       string
	TaxRateBasisPoints int64
	FlatShipping       int64
	ReservationTTL     time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved empty.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns short hashes of the missing secret names, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Gateway.KeySecret") that must
// resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit
// map) so callers can build dependencies such as the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for k, v := range dotEnv {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
}

// Load assembles the configuration from defaults, .env overrides, environment
// variables and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	env := newEnvLookup(options, dotEnv)

	cfg := Config{
		Server: ServerConfig{
			Port:            env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("API_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
			AdminRole:       strings.ToLower(env.str("API_FIREBASE_ADMIN_ROLE", defaultAdminRole)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
			TxAttempts:   env.integer("API_FIRESTORE_TX_ATTEMPTS", defaultFirestoreTxAttempts),
			TxTimeout:    env.duration("API_FIRESTORE_TX_TIMEOUT", defaultFirestoreTxTimeout),
		},
		PubSub: PubSubConfig{
			ProjectID:        env.str("API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: env.str("API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			Disabled:         env.boolean("API_PUBSUB_DISABLED", false),
		},
		Secrets: SecretsConfig{
			ProjectID:    env.str("API_SECRETS_PROJECT_ID", ""),
			FallbackFile: env.str("API_SECRETS_FALLBACK_FILE", ""),
		},
		Gateway: GatewayConfig{
			Provider:      strings.ToLower(env.str("API_GATEWAY_PROVIDER", defaultGatewayProvider)),
			PaymentMethod: strings.ToLower(env.str("API_GATEWAY_PAYMENT_METHOD", "")),
			BaseURL:       env.str("API_GATEWAY_BASE_URL", defaultGatewayBaseURL),
			KeyID:         env.str("API_GATEWAY_KEY_ID", ""),
			KeySecret:     env.str("API_GATEWAY_KEY_SECRET", ""),
			Currency:      strings.ToUpper(env.str("API_GATEWAY_CURRENCY", defaultGatewayCurrency)),
			Timeout:       env.duration("API_GATEWAY_TIMEOUT", defaultExternalTimeout),
		},
		Stripe: StripeConfig{
			APIKey: env.str("API_STRIPE_API_KEY", ""),
		},
		Carrier: CarrierConfig{
			BaseURL:             env.str("API_CARRIER_BASE_URL", defaultCarrierBaseURL),
			Email:               env.str("API_CARRIER_EMAIL", ""),
			Password:            env.str("API_CARRIER_PASSWORD", ""),
			PickupLocation:      env.str("API_CARRIER_PICKUP_LOCATION", "Primary"),
			DefaultWeightGrams:  env.integer("API_CARRIER_DEFAULT_WEIGHT_GRAMS", defaultCarrierWeightGrams),
			TrackingURLTemplate: env.str("API_CARRIER_TRACKING_URL_TEMPLATE", defaultTrackingURLTemplate),
			Timeout:             env.duration("API_CARRIER_TIMEOUT", defaultExternalTimeout),
		},
		Orders: OrdersConfig{
			NumberPrefix:       env.str("API_ORDERS_NUMBER_PREFIX", defaultOrderNumberPrefix),
			TaxRateBasisPoints: env.int64("API_ORDERS_TAX_RATE_BPS", defaultTaxRateBasisPoints),
			FlatShipping:       env.int64("API_ORDERS_FLAT_SHIPPING", 0),
			ReservationTTL:     env.duration("API_ORDERS_RESERVATION_TTL", defaultReservationTTL),
			SweepInterval:      env.duration("API_ORDERS_SWEEP_INTERVAL", defaultSweepInterval),
			SweepBatchSize:     env.integer("API_ORDERS_SWEEP_BATCH", defaultSweepBatchSize),
		},
		Idempotency: IdempotencyConfig{
			Header: env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Gateway.PaymentMethod == "" {
		cfg.Gateway.PaymentMethod = cfg.Gateway.Provider
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Gateway.KeyID", &cfg.Gateway.KeyID},
		{"Gateway.KeySecret", &cfg.Gateway.KeySecret},
		{"Stripe.APIKey", &cfg.Stripe.APIKey},
		{"Carrier.Password", &cfg.Carrier.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	check(cfg.PubSub.Disabled || cfg.PubSub.OrderEventsTopic != "", "PubSub.OrderEventsTopic")
	check(cfg.Gateway.Provider == "razorpay" || cfg.Gateway.Provider == "stripe", "Gateway.Provider")
	check(len(cfg.Gateway.Currency) == 3, "Gateway.Currency")
	check(cfg.Gateway.Timeout > 0, "Gateway.Timeout")
	check(cfg.Carrier.Timeout > 0, "Carrier.Timeout")
	check(cfg.Carrier.DefaultWeightGrams > 0, "Carrier.DefaultWeightGrams")
	check(cfg.Orders.TaxRateBasisPoints >= 0, "Orders.TaxRateBasisPoints")
	check(cfg.Orders.FlatShipping >= 0, "Orders.FlatShipping")
	check(cfg.Orders.ReservationTTL > 0, "Orders.ReservationTTL")
	check(cfg.Orders.SweepInterval > 0, "Orders.SweepInterval")
	check(cfg.Orders.SweepBatchSize > 0, "Orders.SweepBatchSize")
	check(cfg.Idempotency.Header != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
