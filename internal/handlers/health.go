package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/waterjunction/api/internal/domain"
	"github.com/waterjunction/api/internal/platform/httpx"
	"github.com/waterjunction/api/internal/repositories"
)

const readinessTimeout = 3 * time.Second

// BuildInfo identifies the running binary in health responses.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	checks repositories.HealthRepository
	build  BuildInfo
	clock  func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthChecks sets the dependency probes evaluated by /readyz.
func WithHealthChecks(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.checks = repo
	}
}

// WithHealthBuildInfo sets the build metadata reported by both probes.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers. Without checks /readyz
// reports ready as soon as the process serves requests.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthCheckPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

type healthPayload struct {
	Status      string                        `json:"status"`
	Version     string                        `json:"version,omitempty"`
	CommitSHA   string                        `json:"commitSha,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Uptime      string                        `json:"uptime"`
	Timestamp   string                        `json:"timestamp"`
	Checks      map[string]healthCheckPayload `json:"checks,omitempty"`
}

// Healthz reports liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.payload(domain.HealthStatusOK))
}

// Readyz probes dependencies and answers 503 when any of them is down.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.checks == nil {
		httpx.WriteJSON(w, http.StatusOK, h.payload(domain.HealthStatusOK))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	report, err := h.checks.Collect(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", err.Error(), http.StatusServiceUnavailable))
		return
	}

	payload := h.payload(report.Status)
	payload.Checks = make(map[string]healthCheckPayload, len(report.Checks))
	for name, check := range report.Checks {
		payload.Checks[name] = healthCheckPayload{
			Status:    string(check.Status),
			Detail:    check.Detail,
			LatencyMS: check.Latency.Milliseconds(),
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}

func (h *HealthHandlers) payload(status domain.HealthStatus) healthPayload {
	now := h.clock().UTC()
	return healthPayload{
		Status:      string(status),
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Truncate(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	}
}
