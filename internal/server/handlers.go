package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ii-safety/ampsync/internal/cache"
	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/metrics"
	"github.com/ii-safety/ampsync/internal/orchestrator"
	"github.com/ii-safety/ampsync/internal/ratelimit"
	"github.com/ii-safety/ampsync/internal/safetyamp"
	"github.com/ii-safety/ampsync/internal/samsara"
	"github.com/ii-safety/ampsync/internal/vista"
)

// checkTimeout bounds the outbound pings inside /health.
const checkTimeout = 5 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	vista     *vista.Reader
	safetyamp *safetyamp.Client
	samsara   *samsara.Client
	cache     *cache.Store
	failures  *failtrack.Tracker
	events    *events.Recorder
	calls     *calltrack.Tracker
	orch      *orchestrator.Orchestrator
	metrics   *metrics.Metrics
	limiter   ratelimit.Limiter
	logger    *slog.Logger
	version   string
	openapi   []byte
	startedAt time.Time
	draining  atomic.Bool
	audit     *auditLog
}

// NewHandlers creates the Handlers from the server configuration.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{
		vista:     cfg.Vista,
		safetyamp: cfg.SafetyAmp,
		samsara:   cfg.Samsara,
		cache:     cfg.Cache,
		failures:  cfg.Failures,
		events:    cfg.Events,
		calls:     cfg.Calls,
		orch:      cfg.Orchestrator,
		metrics:   cfg.Metrics,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger,
		version:   cfg.Version,
		openapi:   cfg.OpenAPISpec,
		startedAt: time.Now(),
		audit:     newAuditLog(auditCapacity),
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapi) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapi)
}

// HandleLive handles GET /live.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReady handles GET /ready. Readiness is the database plus not
// shutting down; a dead target API degrades /health but keeps the pod
// in rotation.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()
	if err := h.vista.Healthy(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type healthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	UptimeSeconds  int64                  `json:"uptime_seconds"`
	Checks         map[string]healthCheck `json:"checks"`
	FailedSync     failtrack.Summary      `json:"failed_sync"`
	LastSync       *time.Time             `json:"last_sync"`
	SyncInProgress bool                   `json:"sync_in_progress"`
	RecentErrors   []events.ErrorEntry    `json:"recent_errors"`
}

// HandleHealth handles GET /health. The database decides
// healthy-vs-unhealthy; every other dependency can only degrade the
// status, because the process is still useful while, say, Samsara is
// down.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	status := "healthy"
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}
	checks := make(map[string]healthCheck)

	if err := h.vista.Healthy(ctx); err != nil {
		checks["database"] = healthCheck{Status: "error", Error: err.Error()}
		status = "unhealthy"
	} else {
		checks["database"] = healthCheck{Status: "ok"}
	}

	if err := h.safetyamp.Ping(ctx); err != nil {
		checks["safetyamp"] = healthCheck{Status: "error", Error: err.Error()}
		degrade()
	} else {
		checks["safetyamp"] = healthCheck{Status: "ok"}
	}

	if h.samsara == nil {
		checks["samsara"] = healthCheck{Status: "disabled"}
	} else if err := h.samsara.Ping(ctx); err != nil {
		checks["samsara"] = healthCheck{Status: "error", Error: err.Error()}
		degrade()
	} else {
		checks["samsara"] = healthCheck{Status: "ok"}
	}

	if h.cache.Healthy(ctx) {
		checks["cache"] = healthCheck{Status: "ok"}
	} else {
		checks["cache"] = healthCheck{Status: "error", Error: "redis unreachable"}
		degrade()
	}

	if h.draining.Load() {
		status = "unhealthy"
	}

	resp := healthResponse{
		Status:         status,
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		Checks:         checks,
		FailedSync:     h.failures.Summary(ctx),
		SyncInProgress: h.orch.Running(),
		RecentErrors:   lastN(h.events.ErrorsSince(24*time.Hour), 5),
	}
	if ts, ok := h.orch.LastSync(); ok {
		resp.LastSync = &ts
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, resp)
}

// lastN keeps the newest n entries of an oldest-first slice.
func lastN(entries []events.ErrorEntry, n int) []events.ErrorEntry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
