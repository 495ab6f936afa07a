package ampsync

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	metricsPort     int
	logger          *slog.Logger
	version         string
	token           string
	syncInterval    time.Duration
	sqlDriver       string
	vistaDSN        string
	outputDir       string
	cacheDir        string
	notifier        Notifier
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the dashboard TCP port from config (PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithMetricsPort overrides the metrics TCP port from config (METRICS_PORT env var).
func WithMetricsPort(port int) Option {
	return func(o *resolvedOptions) { o.metricsPort = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDashboardToken overrides the dashboard auth token from config
// (DASHBOARD_API_TOKEN env var). An empty value is ignored; unset the
// env var instead to run without auth.
func WithDashboardToken(token string) Option {
	return func(o *resolvedOptions) { o.token = token }
}

// WithSyncInterval overrides the sleep between sync cycles from config
// (SYNC_INTERVAL_MINUTES env var).
func WithSyncInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.syncInterval = d }
}

// WithSQLDriver overrides the database/sql driver name from config
// (SQL_DRIVER env var). The embedding binary must import the driver.
func WithSQLDriver(name string) Option {
	return func(o *resolvedOptions) { o.sqlDriver = name }
}

// WithVistaDSN overrides the source database connection string built
// from the SQL_* env vars. Useful together with WithSQLDriver when the
// embedding binary connects to a non-default source.
func WithVistaDSN(dsn string) Option {
	return func(o *resolvedOptions) { o.vistaDSN = dsn }
}

// WithOutputDir overrides the directory for session change logs and the
// error log (OUTPUT_DIR env var).
func WithOutputDir(dir string) Option {
	return func(o *resolvedOptions) { o.outputDir = dir }
}

// WithCacheDir overrides the directory for the on-disk cache tier
// (CACHE_DIR env var).
func WithCacheDir(dir string) Option {
	return func(o *resolvedOptions) { o.cacheDir = dir }
}

// WithNotifier replaces the built-in log notifier for error digests.
func WithNotifier(n Notifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}

// WithExtraRoutes registers additional routes on the shared dashboard mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
