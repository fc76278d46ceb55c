package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waterjunction/api/internal/platform/auth"
	"github.com/waterjunction/api/internal/platform/httpx"
	"github.com/waterjunction/api/internal/platform/requestctx"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "X-Idempotent-Replay"
	maxKeyLength  = 255
	maxBodyBytes  = 1 << 20
)

// Option customises the middleware.
type Option func(*options)

type options struct {
	header   string
	ttl      time.Duration
	required bool
	clock    func() time.Time
}

// WithHeader changes the request header carrying the key.
func WithHeader(name string) Option {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithRequired rejects requests that carry no key.
func WithRequired() Option {
	return func(o *options) { o.required = true }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// Middleware replays the stored response for a repeated key instead of
// running the handler again. Keys are scoped per authenticated user. Server
// errors are not stored so the client can retry with the same key.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := options{
		header: defaultHeader,
		ttl:    DefaultTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if cfg.required {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
				return
			}
			if len(body) > maxBodyBytes {
				httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body too large", http.StatusRequestEntityTooLarge))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := scopeKey(ctx, key)
			claim, err := store.Claim(ctx, scoped, fingerprint(r, body), cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key was used for a different request", http.StatusConflict))
				return
			case err != nil:
				logger.Error("idempotency claim failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
				return
			}

			switch claim.State {
			case ClaimReplay:
				replay(w, claim.Response)
				return
			case ClaimInFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if completed {
					return
				}
				// handler panicked; free the key before the panic propagates
				if err := store.Forget(context.WithoutCancel(ctx), scoped); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			}()

			next.ServeHTTP(rec, r)
			completed = true

			if rec.status >= http.StatusInternalServerError {
				if err := store.Forget(context.WithoutCancel(ctx), scoped); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
				return
			}
			resp := Response{Status: rec.status, Header: w.Header().Clone(), Body: rec.body.Bytes()}
			if err := store.Complete(context.WithoutCancel(ctx), scoped, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Warn("idempotency response not stored", zap.Error(err), zap.Int("status", rec.status))
			}
		})
	}
}

func scopeKey(ctx context.Context, key string) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return key + "|" + identity.UID
	}
	return key
}

func fingerprint(r *http.Request, body []byte) string {
	sum := sha256.Sum256(body)
	parts := []string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		hex.EncodeToString(sum[:]),
	}
	digest := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(digest[:])
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
