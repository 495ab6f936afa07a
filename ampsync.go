// Package ampsync is the public API for embedding the sync agent.
//
// Teams that run the agent inside a larger operations binary import this
// package to construct and extend it without forking:
//
//	app, err := ampsync.New(
//	    ampsync.WithVersion(version),
//	    ampsync.WithLogger(logger),
//	    ampsync.WithNotifier(pagerHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: ampsync (root)
// imports internal/*, but internal/* never imports the root. Public
// types are standalone structs; the adapters bridging them to internal
// types live here because this is the only package that sees both sides.
package ampsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ii-safety/ampsync/api"
	"github.com/ii-safety/ampsync/internal/cache"
	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/config"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/metrics"
	"github.com/ii-safety/ampsync/internal/msgraph"
	"github.com/ii-safety/ampsync/internal/orchestrator"
	"github.com/ii-safety/ampsync/internal/ratelimit"
	"github.com/ii-safety/ampsync/internal/safetyamp"
	"github.com/ii-safety/ampsync/internal/samsara"
	"github.com/ii-safety/ampsync/internal/server"
	"github.com/ii-safety/ampsync/internal/syncer"
	"github.com/ii-safety/ampsync/internal/telemetry"
	"github.com/ii-safety/ampsync/internal/vista"
)

// App is the sync agent lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	rdb          *redis.Client
	db           *sqlx.DB
	orch         *orchestrator.Orchestrator
	srv          *server.Server
	metricsSrv   *http.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the sync agent. It loads configuration, connects the
// clients, and wires all subsystems. It does NOT start the sync loop or
// accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.metricsPort != 0 {
		cfg.MetricsPort = o.metricsPort
	}
	if o.token != "" {
		cfg.DashboardAPIToken = o.token
	}
	if o.syncInterval > 0 {
		cfg.SyncInterval = o.syncInterval
	}
	if o.sqlDriver != "" {
		cfg.SQLDriver = o.sqlDriver
	}
	if o.outputDir != "" {
		cfg.OutputDir = o.outputDir
	}
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("ampsync starting", "version", version, "port", cfg.Port, "metrics_port", cfg.MetricsPort)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	m := metrics.New()
	m.SetBuildInfo(version)

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		DB:           cfg.RedisDB,
		Password:     cfg.RedisPassword,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable, starting degraded", "addr", cfg.RedisAddr(), "error", err)
	}

	calls := calltrack.New(rdb, calltrack.DefaultMaxEntries, logger)

	dsn := cfg.VistaDSN()
	if o.vistaDSN != "" {
		dsn = o.vistaDSN
	}
	db, err := vista.Open(cfg.SQLDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("vista: %w", err)
	}
	reader := vista.NewReader(vista.Config{
		DB:              db,
		RefreshInterval: cfg.VistaRefresh,
		Logger:          logger,
	})

	store, err := cache.New(cache.Config{
		Redis:           rdb,
		Dir:             cfg.CacheDir,
		DefaultTTL:      cfg.CacheTTL,
		RefreshInterval: cfg.CacheRefreshInterval,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	var notif events.Notifier
	if o.notifier != nil {
		notif = notifierAdapter{hook: o.notifier}
	}
	rec, err := events.New(events.Config{
		OutputDir: cfg.OutputDir,
		Metrics:   m,
		Logger:    logger,
		Notifier:  notif,
	})
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	failures := failtrack.New(failtrack.Config{
		Redis:   rdb,
		TTL:     cfg.FailedSyncTTL,
		Enabled: cfg.FailedSyncEnabled,
		Logger:  logger,
	})

	sa, err := safetyamp.New(safetyamp.Config{
		BaseURL:         cfg.SafetyAmpDomain,
		Token:           cfg.SafetyAmpToken,
		FQDN:            cfg.SafetyAmpFQDN,
		RateLimitCalls:  cfg.SafetyAmpRateCalls,
		RateLimitPeriod: cfg.SafetyAmpRatePeriod,
		Timeout:         cfg.HTTPTimeout,
		MaxRetries:      cfg.MaxRetryAttempts,
		RetryDelay:      cfg.RetryDelay,
		Calls:           calls,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("safetyamp: %w", err)
	}

	var sam *samsara.Client
	if cfg.SamsaraAPIKey != "" {
		sam, err = samsara.New(samsara.Config{
			BaseURL:         cfg.SamsaraDomain,
			APIKey:          cfg.SamsaraAPIKey,
			RateLimitCalls:  cfg.SamsaraRateCalls,
			RateLimitPeriod: cfg.SamsaraRatePeriod,
			Timeout:         cfg.HTTPTimeout,
			MaxRetries:      cfg.MaxRetryAttempts,
			RetryDelay:      cfg.RetryDelay,
			Calls:           calls,
			Metrics:         m,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("samsara: %w", err)
		}
	} else {
		logger.Info("samsara: disabled (no SAMSARA_API_KEY)")
	}

	var graph *msgraph.Client
	if cfg.GraphTenantID != "" && cfg.GraphClientID != "" && cfg.GraphClientSecret != "" {
		graph, err = msgraph.New(msgraph.Config{
			TenantID:     cfg.GraphTenantID,
			ClientID:     cfg.GraphClientID,
			ClientSecret: cfg.GraphClientSecret,
			Timeout:      cfg.HTTPTimeout,
			MaxRetries:   cfg.MaxRetryAttempts,
			RetryDelay:   cfg.RetryDelay,
			Calls:        calls,
			Metrics:      m,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("msgraph: %w", err)
		}
	} else {
		logger.Info("msgraph: disabled (missing MS_GRAPH_* credentials)")
	}

	orch := orchestrator.New(orchestrator.Config{
		Deps: &syncer.Deps{
			Vista:                reader,
			SafetyAmp:            sa,
			Samsara:              sam,
			Graph:                graph,
			Cache:                store,
			Failures:             failures,
			Events:               rec,
			Metrics:              m,
			Logger:               logger,
			MaxConsecutiveErrors: cfg.SafetyStopLimit,
			VehicleSiteID:        cfg.VehicleDefaultSiteID,
			VehicleAssetTypeID:   cfg.VehicleDefaultAssetTypeID,
		},
		Redis:    rdb,
		Interval: cfg.SyncInterval,
		Logger:   logger,
	})

	limiter := ratelimit.NewMemoryLimiter()

	extra := make([]func(*http.ServeMux, func(http.Handler) http.Handler), 0, len(o.routeRegistrars))
	for _, fn := range o.routeRegistrars {
		extra = append(extra, fn)
	}
	mws := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		mws = append(mws, mw)
	}

	srv := server.New(server.Config{
		Vista:        reader,
		SafetyAmp:    sa,
		Samsara:      sam,
		Cache:        store,
		Failures:     failures,
		Events:       rec,
		Calls:        calls,
		Orchestrator: orch,
		Metrics:      m,
		Logger:       logger,
		BindAddress:  cfg.BindAddress,
		Port:         cfg.Port,
		Token:        cfg.DashboardAPIToken,
		Limiter:      limiter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		Version:      version,
		OpenAPISpec:  api.OpenAPISpec,
		ExtraRoutes:  extra,
		Middlewares:  mws,
	})

	return &App{
		cfg:          cfg,
		rdb:          rdb,
		db:           db,
		orch:         orch,
		srv:          srv,
		metricsSrv:   server.NewMetricsServer(cfg.BindAddress, cfg.MetricsPort, m),
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler of the dashboard plane, for
// embedders that mount the agent inside an existing server or test it
// without a listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the sync loop and both HTTP listeners, then blocks until
// ctx is cancelled or a listener fails. On cancellation it performs a
// graceful shutdown and returns nil.
func (a *App) Run(ctx context.Context) error {
	a.orch.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("dashboard server: %w", err)
		}
	}()
	go func() {
		a.logger.Info("metrics server starting", "addr", a.metricsSrv.Addr)
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops the agent in phases: flip the probes so the scheduler
// drains us, stop the sync loop and wait out any in-flight session,
// then drain HTTP and close the clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("ampsync shutting down")

	a.srv.SetDraining(true)

	orchCtx, orchCancel := context.WithTimeout(ctx, 30*time.Second)
	a.orch.Stop(orchCtx)
	orchCancel()

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	if err := a.metricsSrv.Shutdown(httpCtx); err != nil {
		a.logger.Error("metrics shutdown error", "error", err)
	}
	httpCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	_ = a.rdb.Close()
	_ = a.db.Close()

	a.logger.Info("ampsync stopped")
	return nil
}

// notifierAdapter bridges a public Notifier to the internal event sink.
type notifierAdapter struct {
	hook Notifier
}

func (n notifierAdapter) Notify(ctx context.Context, errs []events.ErrorEntry) error {
	return n.hook.Notify(ctx, toPublicErrorEntries(errs))
}

func toPublicErrorEntries(errs []events.ErrorEntry) []ErrorEntry {
	out := make([]ErrorEntry, len(errs))
	for i, e := range errs {
		out[i] = ErrorEntry{
			Kind:       e.Kind,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Message:    e.Message,
			Details:    e.Details,
			Source:     e.Source,
			Timestamp:  e.Timestamp,
		}
	}
	return out
}
