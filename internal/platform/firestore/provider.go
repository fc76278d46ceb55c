package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/waterjunction/api/internal/platform/config"
)

const (
	defaultDialTimeout = 10 * time.Second
	envEmulatorHost    = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID = "GOOGLE_CLOUD_PROJECT"
	pingCollection     = "_health"
)

// Provider owns the Firestore client shared by every repository. It is built
// once at startup and passed to repositories explicitly.
type Provider struct {
	client    *firestore.Client
	tx        txBounds
	closeOnce sync.Once
	closeErr  error
}

// ProviderOption customises client construction.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	dialTimeout time.Duration
	clientOpts  []option.ClientOption
}

// WithDialTimeout bounds client construction.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(o *providerOptions) {
		if timeout > 0 {
			o.dialTimeout = timeout
		}
	}
}

// WithClientOptions appends Google API client options.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(o *providerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// NewProvider dials Firestore using cfg. When an emulator host is configured the
// client connects without credentials.
func NewProvider(ctx context.Context, cfg config.FirestoreConfig, opts ...ProviderOption) (*Provider, error) {
	options := providerOptions{dialTimeout: defaultDialTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		projectID = strings.TrimSpace(os.Getenv(envGoogleProjectID))
	}
	if projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}

	clientOpts := append([]option.ClientOption(nil), options.clientOpts...)
	host := strings.TrimSpace(cfg.EmulatorHost)
	if host == "" {
		host = strings.TrimSpace(os.Getenv(envEmulatorHost))
	}
	if host != "" {
		clientOpts = append(clientOpts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, options.dialTimeout)
	defer cancel()

	client, err := firestore.NewClient(dialCtx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return &Provider{client: client, tx: newTxBounds(cfg.TxAttempts, cfg.TxTimeout)}, nil
}

// NewProviderFromClient wraps an existing client, mainly for emulator tests.
func NewProviderFromClient(client *firestore.Client) *Provider {
	return &Provider{client: client, tx: newTxBounds(0, 0)}
}

// Client returns the shared client.
func (p *Provider) Client() *firestore.Client {
	if p == nil {
		return nil
	}
	return p.client
}

// Ping issues a cheap read to confirm the backend is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if p == nil || p.client == nil {
		return errors.New("firestore: provider not initialised")
	}
	iter := p.client.Collection(pingCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError("ping", err)
	}
	return nil
}

// Close releases the client. Subsequent calls return the first result.
func (p *Provider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.closeErr = p.client.Close()
	})
	return p.closeErr
}
