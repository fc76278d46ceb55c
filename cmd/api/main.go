package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/handlers"
	"github.com/waterjunction/api/internal/payments"
	"github.com/waterjunction/api/internal/platform/auth"
	"github.com/waterjunction/api/internal/platform/config"
	pfirestore "github.com/waterjunction/api/internal/platform/firestore"
	"github.com/waterjunction/api/internal/platform/idempotency"
	"github.com/waterjunction/api/internal/platform/jobs"
	"github.com/waterjunction/api/internal/platform/observability"
	"github.com/waterjunction/api/internal/platform/secrets"
	"github.com/waterjunction/api/internal/repositories"
	firestoreRepo "github.com/waterjunction/api/internal/repositories/firestore"
	"github.com/waterjunction/api/internal/services"
	"github.com/waterjunction/api/internal/shipping"
)

const meterName = "github.com/waterjunction/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	meter := otel.Meter(meterName)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.ResolveSecret)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider, err := pfirestore.NewProvider(ctx, cfg.Firestore, firestoreClientOptions(cfg)...)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	inventoryRepo, err := firestoreRepo.NewInventoryRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise inventory repository", zap.Error(err))
	}
	couponRepo, err := firestoreRepo.NewCouponRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise coupon repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}
	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}

	var (
		events      services.OrderEventPublisher
		pubsubTopic *pubsub.Topic
	)
	if !cfg.PubSub.Disabled {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, firebaseClientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		pubsubTopic = pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		pubsubTopic.EnableMessageOrdering = true
		defer pubsubTopic.Stop()
		publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		events = publisher
	} else {
		logger.Warn("pubsub disabled; order events are not published")
	}

	firebaseClient, err := auth.NewFirebaseClient(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase client", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseClient, auth.WithAdminRole(cfg.Firebase.AdminRole))

	gateway, err := payments.New(payments.Settings{
		Provider:     cfg.Gateway.Provider,
		BaseURL:      cfg.Gateway.BaseURL,
		KeyID:        cfg.Gateway.KeyID,
		KeySecret:    cfg.Gateway.KeySecret,
		StripeAPIKey: cfg.Stripe.APIKey,
		Timeout:      cfg.Gateway.Timeout,
		Logger:       observability.EventLogger(logger.Named("payments")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	var carrier services.Carrier
	if strings.TrimSpace(cfg.Carrier.Email) != "" {
		carrierClient, err := shipping.NewClient(shipping.Config{
			BaseURL:             cfg.Carrier.BaseURL,
			Email:               cfg.Carrier.Email,
			Password:            cfg.Carrier.Password,
			PickupLocation:      cfg.Carrier.PickupLocation,
			DefaultWeightGrams:  cfg.Carrier.DefaultWeightGrams,
			TrackingURLTemplate: cfg.Carrier.TrackingURLTemplate,
			Timeout:             cfg.Carrier.Timeout,
			Logger:              observability.EventLogger(logger.Named("shipping")),
		})
		if err != nil {
			logger.Fatal("failed to initialise carrier client", zap.Error(err))
		}
		carrier = carrierClient
	} else {
		logger.Warn("carrier credentials not configured; paid orders will be flagged shipping pending")
	}

	orderMetrics, err := observability.NewOrderMetrics(meter)
	if err != nil {
		logger.Fatal("failed to initialise order metrics", zap.Error(err))
	}

	pricing := domain.PricingPolicy{
		TaxRateBasisPoints: cfg.Orders.TaxRateBasisPoints,
		FlatShipping:       cfg.Orders.FlatShipping,
	}
	orderLogger := observability.EventLogger(logger.Named("orders"))
	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:            orderRepo,
		Products:          inventoryRepo,
		Inventory:         inventoryRepo,
		Coupons:           couponRepo,
		Counters:          counterRepo,
		Carts:             cartRepo,
		Gateway:           gateway,
		Carrier:           carrier,
		Customers:         firebaseClient,
		Events:            events,
		Metrics:           orderMetrics,
		PaymentMethod:     cfg.Gateway.PaymentMethod,
		Currency:          cfg.Gateway.Currency,
		OrderNumberPrefix: cfg.Orders.NumberPrefix,
		ReservationTTL:    cfg.Orders.ReservationTTL,
		Pricing:           &pricing,
		Clock:             time.Now,
		Logger:            orderLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	sweeper, err := services.NewReservationSweeper(services.ReservationSweeperDeps{
		Orders:    orderRepo,
		Inventory: inventoryRepo,
		Events:    events,
		Metrics:   orderMetrics,
		BatchSize: cfg.Orders.SweepBatchSize,
		Clock:     time.Now,
		Logger:    observability.EventLogger(logger.Named("sweeper")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reservation sweeper", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(
		idempotency.NewFirestoreStore(firestoreProvider),
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	healthRepo, err := newHealthRepository(firestoreProvider, fetcher, pubsubTopic)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}
	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(buildInfoFromEnv(envValues, startedAt)),
	}
	if healthRepo != nil {
		healthOpts = append(healthOpts, handlers.WithHealthChecks(healthRepo))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, handlers.WithOrderIdempotency(idempotencyMiddleware))
	adminOrderHandlers := handlers.NewAdminOrderHandlers(authenticator, orderService)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminOrderRoutes(adminOrderHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweeper.Run(sweepCtx, cfg.Orders.SweepInterval)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("waterjunction api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(env["API_ENVIRONMENT"])
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(provider *pfirestore.Provider, fetcher *secrets.Fetcher, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system-healthz"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.ResolveSecret(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) || status.Code(err) == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func firestoreClientOptions(cfg config.Config) []pfirestore.ProviderOption {
	if cfg.Firestore.EmulatorHost != "" {
		return nil
	}
	return []pfirestore.ProviderOption{pfirestore.WithClientOptions(firebaseClientOptions(cfg)...)}
}

func firebaseClientOptions(cfg config.Config) []option.ClientOption {
	if cfg.Firebase.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.Firebase.CredentialsFile)}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists gateway credentials that point at Secret
// Manager. Such a reference must resolve to a value; plain empty credentials
// are tolerated and fail per request instead.
func requiredSecretNames(env map[string]string) []string {
	fields := map[string]string{
		"Gateway.KeyID":     "API_GATEWAY_KEY_ID",
		"Gateway.KeySecret": "API_GATEWAY_KEY_SECRET",
		"Stripe.APIKey":     "API_STRIPE_API_KEY",
	}
	var required []string
	for name, key := range fields {
		value := strings.TrimSpace(env[key])
		if strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://") {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}
