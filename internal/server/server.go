// Package server is the HTTP plane: liveness and readiness probes, the
// aggregate health check, and the dashboard API over sync sessions,
// API-call history, cache state and the failed-sync ledger.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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

// Rate limit rules for the dashboard API, keyed by client IP.
var (
	readRule      = ratelimit.Rule{Name: "read", Limit: 60, Window: time.Minute}
	expensiveRule = ratelimit.Rule{Name: "expensive", Limit: 10, Window: time.Minute}
	pauseRule     = ratelimit.Rule{Name: "pause", Limit: 5, Window: time.Minute}
)

// Config holds all dependencies and settings for creating a Server.
// Samsara and Limiter are optional (nil = disabled).
type Config struct {
	Vista        *vista.Reader
	SafetyAmp    *safetyamp.Client
	Samsara      *samsara.Client
	Cache        *cache.Store
	Failures     *failtrack.Tracker
	Events       *events.Recorder
	Calls        *calltrack.Tracker
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Logger       *slog.Logger

	// BindAddress plus Port form the listen address. An empty bind
	// address listens on all interfaces.
	BindAddress string
	Port        int
	// Token guards /api/dashboard/*. Empty disables auth (dev mode).
	Token        string
	Limiter      ratelimit.Limiter
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	OpenAPISpec  []byte // Embedded OpenAPI YAML; empty means 404.

	// ExtraRoutes run after the built-in routes so embedders can mount
	// their own endpoints on the shared mux. The protect argument wraps
	// a handler in dashboard auth plus the read-tier budget.
	ExtraRoutes []func(mux *http.ServeMux, protect func(http.Handler) http.Handler)
	// Middlewares wrap the root handler; the first registered is
	// outermost and sees every request, probes included.
	Middlewares []func(http.Handler) http.Handler
}

// Server is the application HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// New creates the server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg)

	readRL := ratelimit.Middleware(cfg.Limiter, readRule, ratelimit.IPKeyFunc)
	expensiveRL := ratelimit.Middleware(cfg.Limiter, expensiveRule, ratelimit.IPKeyFunc)
	auth := dashboardAuth(cfg.Token)

	read := func(fn http.HandlerFunc) http.Handler { return auth(readRL(fn)) }
	expensive := func(fn http.HandlerFunc) http.Handler { return auth(expensiveRL(fn)) }

	mux := http.NewServeMux()

	// Probes, health and the API description (no auth, no rate limit).
	mux.HandleFunc("GET /live", h.HandleLive)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Dashboard reads.
	mux.Handle("GET /api/dashboard/summary", read(h.HandleSummary))
	mux.Handle("GET /api/dashboard/sync-metrics", read(h.HandleSyncMetrics))
	mux.Handle("GET /api/dashboard/api-calls", read(h.HandleAPICalls))
	mux.Handle("GET /api/dashboard/api-call-stats", read(h.HandleAPICallStats))
	mux.Handle("GET /api/dashboard/sessions", read(h.HandleSessions))
	mux.Handle("GET /api/dashboard/errors", read(h.HandleErrors))
	mux.Handle("GET /api/dashboard/error-suggestions", read(h.HandleErrorSuggestions))
	mux.Handle("GET /api/dashboard/cache-status", read(h.HandleCacheStatus))
	mux.Handle("GET /api/dashboard/failed-records", read(h.HandleFailedRecords))
	mux.Handle("GET /api/dashboard/records", read(h.HandleRecords))
	mux.Handle("GET /api/dashboard/entity-counts", read(h.HandleEntityCounts))
	mux.Handle("GET /api/dashboard/duration-trends", read(h.HandleDurationTrends))
	mux.Handle("GET /api/dashboard/audit-log", read(h.HandleAuditLog))
	mux.Handle("GET /api/dashboard/sync-pause", read(h.HandleGetPause))

	// Mutations. The pause handler consumes its stricter budget itself,
	// after validation, so malformed requests don't burn it.
	mux.Handle("POST /api/dashboard/sync-pause", auth(http.HandlerFunc(h.HandleSetPause)))
	mux.Handle("POST /api/dashboard/trigger-sync", expensive(h.HandleTriggerSync))
	mux.Handle("POST /api/dashboard/retry-all", expensive(h.HandleRetryAll))
	mux.Handle("POST /api/dashboard/retry-record", read(h.HandleRetryRecord))
	mux.Handle("POST /api/dashboard/cache/invalidate", expensive(h.HandleCacheInvalidate))

	protect := func(next http.Handler) http.Handler { return auth(readRL(next)) }
	for _, fn := range cfg.ExtraRoutes {
		fn(mux, protect)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetDraining flips the probes for graceful shutdown: /live and /ready
// go 503 so the scheduler stops routing traffic while in-flight work
// finishes.
func (s *Server) SetDraining(v bool) {
	s.handlers.draining.Store(v)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// NewMetricsServer returns the server for the metrics port. Exposition
// is separate from the application port so scrapes aren't subject to
// dashboard auth or rate limits.
func NewMetricsServer(bind string, port int, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	return &http.Server{
		Addr:        fmt.Sprintf("%s:%d", bind, port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
}
