package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	referencePrefix = "secret://"
	latestVersion   = "latest"
	meterName       = "github.com/waterjunction/api/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the fallback file holds the secret.
var ErrNotFound = errors.New("secrets: secret not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Secret Manager, caching values
// for the life of the process. A local KEY=VALUE file serves as fallback when
// the remote lookup is unavailable or the secret does not exist remotely.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	logger     *zap.Logger

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	resolutions metric.Int64Counter
}

// Option customises Fetcher construction.
type Option func(*fetcherOptions)

type fetcherOptions struct {
	logger       *zap.Logger
	projectID    string
	fallbackPath string
	client       secretManagerClient
	clientOpts   []option.ClientOption
	meter        metric.Meter
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *fetcherOptions) { o.logger = logger }
}

// WithProject sets the project that owns unqualified secrets.
func WithProject(projectID string) Option {
	return func(o *fetcherOptions) { o.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile sets the local fallback file path.
func WithFallbackFile(path string) Option {
	return func(o *fetcherOptions) { o.fallbackPath = strings.TrimSpace(path) }
}

// WithClientOptions forwards Google API options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *fetcherOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithMeter overrides the otel meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *fetcherOptions) { o.meter = meter }
}

func withClient(client secretManagerClient) Option {
	return func(o *fetcherOptions) { o.client = client }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created
// leaves the fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	options := fetcherOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}
	if options.meter == nil {
		options.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		projectID:    options.projectID,
		logger:       options.logger,
		fallbackPath: options.fallbackPath,
		cache:        make(map[string]string),
	}

	counter, err := options.meter.Int64Counter("secrets.resolutions",
		metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		f.logger.Warn("secrets: unable to register metric", zap.Error(err))
	} else {
		f.resolutions = counter
	}

	switch {
	case options.client != nil:
		f.client = options.client
	case f.projectID != "":
		client, err := secretmanager.NewClient(ctx, options.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

// ResolveSecret implements config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	name, version, project, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := project + "/" + name + "@" + version

	f.mu.RLock()
	value, ok := f.cache[key]
	f.mu.RUnlock()
	if ok {
		f.record(ctx, "cache")
		return value, nil
	}

	if project == "" {
		project = f.projectID
	}
	if f.client != nil && project != "" {
		resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		switch {
		case err == nil && resp.GetPayload() != nil:
			value = string(resp.GetPayload().GetData())
			f.store(key, value)
			f.record(ctx, "remote")
			return value, nil
		case err != nil && !fallbackEligible(err):
			return "", fmt.Errorf("secrets: access %s: %w", resource, err)
		}
		f.logger.Debug("secrets: falling back to local file", zap.String("secret", name), zap.Error(err))
	}

	values, err := f.loadFallback()
	if err != nil {
		return "", err
	}
	value, ok = values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	f.store(key, value)
	f.record(ctx, "fallback")
	return value, nil
}

// Close releases the Secret Manager client when owned by the fetcher.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) record(ctx context.Context, source string) {
	if f.resolutions != nil {
		f.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

func (f *Fetcher) loadFallback() (map[string]string, error) {
	f.fallbackOnce.Do(func() {
		f.fallback = map[string]string{}
		if f.fallbackPath == "" {
			return
		}
		file, err := os.Open(f.fallbackPath)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			f.fallbackErr = fmt.Errorf("secrets: open fallback: %w", err)
			return
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if ok {
				f.fallback[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
		f.fallbackErr = scanner.Err()
	})
	return f.fallback, f.fallbackErr
}

// parseReference accepts secret://name, secret://name@version and
// secret://projects/<p>/secrets/<name>[/versions/<v>].
func parseReference(ref string) (name, version, project string, err error) {
	trimmed := strings.TrimSpace(ref)
	if !strings.HasPrefix(trimmed, referencePrefix) {
		return "", "", "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}
	body := strings.Trim(strings.TrimPrefix(trimmed, referencePrefix), "/")
	version = latestVersion

	if strings.HasPrefix(body, "projects/") {
		parts := strings.Split(body, "/")
		if len(parts) < 4 || parts[2] != "secrets" {
			return "", "", "", fmt.Errorf("secrets: malformed reference %q", ref)
		}
		project, name = parts[1], parts[3]
		if len(parts) == 6 && parts[4] == "versions" {
			version = parts[5]
		}
	} else {
		name = body
		if at := strings.LastIndex(body, "@"); at > 0 {
			name, version = body[:at], body[at+1:]
		}
	}
	if name == "" || version == "" {
		return "", "", "", fmt.Errorf("secrets: malformed reference %q", ref)
	}
	return name, version, project, nil
}

func fallbackEligible(err error) bool {
	switch status.Code(err) {
	case codes.NotFound, codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable:
		return true
	}
	return false
}
