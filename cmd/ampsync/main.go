package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

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

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("AMPSYNC_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("ampsync starting", "version", version, "port", cfg.Port, "metrics_port", cfg.MetricsPort)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfo(version)

	// Redis backs the cache hot tier, the pause flag, the failed-sync
	// memory and the API call ring. An unreachable Redis degrades those
	// paths at runtime; it never blocks startup.
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		DB:           cfg.RedisDB,
		Password:     cfg.RedisPassword,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, starting degraded", "addr", cfg.RedisAddr(), "error", err)
	}

	calls := calltrack.New(rdb, calltrack.DefaultMaxEntries, logger)

	// The Vista pool connects lazily: an ERP outage at boot leaves the
	// dashboard and health plane up, with /ready reporting the outage.
	db, err := vista.Open(cfg.SQLDriver, cfg.VistaDSN())
	if err != nil {
		return fmt.Errorf("vista: %w", err)
	}
	defer func() { _ = db.Close() }()
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
		return fmt.Errorf("cache: %w", err)
	}

	rec, err := events.New(events.Config{
		OutputDir: cfg.OutputDir,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("events: %w", err)
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
		return fmt.Errorf("safetyamp: %w", err)
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
			return fmt.Errorf("samsara: %w", err)
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
			return fmt.Errorf("msgraph: %w", err)
		}
	} else {
		logger.Info("msgraph: disabled (missing MS_GRAPH_* credentials)")
	}

	deps := &syncer.Deps{
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
	}

	orch := orchestrator.New(orchestrator.Config{
		Deps:     deps,
		Redis:    rdb,
		Interval: cfg.SyncInterval,
		Logger:   logger,
	})
	orch.Start(ctx)

	limiter := ratelimit.NewMemoryLimiter()
	defer func() { _ = limiter.Close() }()

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
	})
	metricsSrv := server.NewMetricsServer(cfg.BindAddress, cfg.MetricsPort, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("dashboard server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics server starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	// Wait for a shutdown signal or a server failure.
	<-gctx.Done()

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases. Order: (1) flip
	// the probes so the scheduler stops routing to us, (2) stop the sync
	// loop and wait out any in-flight session, (3) drain HTTP.
	slog.Info("ampsync shutting down")

	srv.SetDraining(true)

	orchCtx, orchCancel := context.WithTimeout(context.Background(), 30*time.Second)
	orch.Stop(orchCtx)
	orchCancel()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(httpCtx); err != nil {
		slog.Error("metrics shutdown error", "error", err)
	}
	httpCancel()

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("ampsync stopped")
	return nil
}
