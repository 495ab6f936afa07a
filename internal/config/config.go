// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Auth modes accepted for the Vista SQL connection.
const (
	SQLAuthManagedIdentity = "managed_identity"
	SQLAuthCredentials     = "sql_auth"
)

// Config holds all application configuration.
type Config struct {
	// SafetyAmp API settings.
	SafetyAmpDomain string // Base URL, e.g. "https://api.safetyamp.com".
	SafetyAmpFQDN   string // Tenant FQDN sent on every request.
	SafetyAmpToken  string

	// Samsara API settings.
	SamsaraDomain string
	SamsaraAPIKey string

	// Microsoft Graph settings for work email lookups.
	GraphClientID     string
	GraphClientSecret string
	GraphTenantID     string

	// Vista ERP SQL settings.
	SQLServer   string
	SQLDatabase string
	SQLDriver   string // database/sql driver name registered by the binary.
	SQLAuthMode string // managed_identity or sql_auth.
	SQLUsername string
	SQLPassword string

	// Redis settings.
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	// Cache policy.
	CacheTTL             time.Duration // Expiry of cached reference data in Redis.
	CacheRefreshInterval time.Duration // Age at which the next reader repopulates.
	CacheDir             string        // Directory for the on-disk fallback tier.

	// Outbound HTTP policy.
	SafetyAmpRateCalls  int // Requests allowed per SafetyAmp rate period.
	SafetyAmpRatePeriod time.Duration
	SamsaraRateCalls    int
	SamsaraRatePeriod   time.Duration
	MaxRetryAttempts    int // Cap on 429 retries per request.
	RetryDelay          time.Duration
	HTTPTimeout         time.Duration

	// Sync orchestration.
	SyncInterval    time.Duration // Sleep between full sync cycles.
	VistaRefresh    time.Duration // Max age of the in-memory Vista snapshot.
	SafetyStopLimit int           // Consecutive errors before a syncer aborts.

	// Failed-sync memory.
	FailedSyncEnabled bool
	FailedSyncTTL     time.Duration

	// Vehicle asset placement. All tracked vehicles live under a single
	// site and asset type in SafetyAmp regardless of driver assignment.
	VehicleDefaultSiteID      int
	VehicleDefaultAssetTypeID int

	// Dashboard settings. An empty token disables auth (dev mode).
	DashboardAPIToken string

	// Listeners.
	Port        int
	MetricsPort int
	BindAddress string

	// Output directory for per-session change logs and the error log.
	OutputDir string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A value that cannot parse is a startup error, never a silent fallback; all
// bad values are reported together.
func Load() (Config, error) {
	var cfg Config
	var errs []error

	intVal := func(key string, def int) int {
		n, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}
	boolVal := func(key string, def bool) bool {
		b, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return b
	}

	cfg.SafetyAmpDomain = envStr("SAFETYAMP_DOMAIN", "https://api.safetyamp.com")
	cfg.SafetyAmpFQDN = envStr("SAFETYAMP_FQDN", "")
	cfg.SafetyAmpToken = envStr("SAFETYAMP_TOKEN", "")

	cfg.SamsaraDomain = envStr("SAMSARA_DOMAIN", "https://api.samsara.com")
	cfg.SamsaraAPIKey = envStr("SAMSARA_API_KEY", "")

	cfg.GraphClientID = envStr("MS_GRAPH_CLIENT_ID", "")
	cfg.GraphClientSecret = envStr("MS_GRAPH_CLIENT_SECRET", "")
	cfg.GraphTenantID = envStr("MS_GRAPH_TENANT_ID", "")

	cfg.SQLServer = envStr("SQL_SERVER", "")
	cfg.SQLDatabase = envStr("SQL_DATABASE", "")
	cfg.SQLDriver = envStr("SQL_DRIVER", "pgx")
	cfg.SQLAuthMode = envStr("SQL_AUTH_MODE", SQLAuthManagedIdentity)
	cfg.SQLUsername = envStr("SQL_USERNAME", "")
	cfg.SQLPassword = envStr("SQL_PASSWORD", "")

	cfg.RedisHost = envStr("REDIS_HOST", "localhost")
	cfg.RedisPort = intVal("REDIS_PORT", 6379)
	cfg.RedisDB = intVal("REDIS_DB", 0)
	cfg.RedisPassword = envStr("REDIS_PASSWORD", "")

	cfg.CacheTTL = time.Duration(intVal("CACHE_TTL_HOURS", 4)) * time.Hour
	cfg.CacheRefreshInterval = time.Duration(intVal("CACHE_REFRESH_INTERVAL_HOURS", 4)) * time.Hour
	cfg.CacheDir = envStr("CACHE_DIR", "cache")

	cfg.SafetyAmpRateCalls = intVal("API_RATE_LIMIT_CALLS", 60)
	cfg.SafetyAmpRatePeriod = time.Duration(intVal("API_RATE_LIMIT_PERIOD", 61)) * time.Second
	cfg.SamsaraRateCalls = intVal("SAMSARA_RATE_LIMIT_CALLS", 25)
	cfg.SamsaraRatePeriod = time.Duration(intVal("SAMSARA_RATE_LIMIT_PERIOD", 1)) * time.Second
	cfg.MaxRetryAttempts = intVal("MAX_RETRY_ATTEMPTS", 6)
	cfg.RetryDelay = time.Duration(intVal("RETRY_DELAY_SECONDS", 1)) * time.Second
	cfg.HTTPTimeout = time.Duration(intVal("HTTP_REQUEST_TIMEOUT", 15)) * time.Second

	cfg.SyncInterval = time.Duration(intVal("SYNC_INTERVAL_MINUTES", 60)) * time.Minute
	cfg.VistaRefresh = time.Duration(intVal("VISTA_REFRESH_MINUTES", 30)) * time.Minute
	cfg.SafetyStopLimit = intVal("SYNC_SAFETY_STOP", 10)

	cfg.FailedSyncEnabled = boolVal("FAILED_SYNC_TRACKER_ENABLED", true)
	cfg.FailedSyncTTL = time.Duration(intVal("FAILED_SYNC_TTL_DAYS", 7)) * 24 * time.Hour

	cfg.VehicleDefaultSiteID = intVal("VEHICLE_DEFAULT_SITE_ID", 5145)
	cfg.VehicleDefaultAssetTypeID = intVal("VEHICLE_DEFAULT_ASSET_TYPE_ID", 3183)

	cfg.DashboardAPIToken = envStr("DASHBOARD_API_TOKEN", "")

	cfg.Port = intVal("PORT", 8080)
	cfg.MetricsPort = intVal("METRICS_PORT", 9090)
	cfg.BindAddress = envStr("BIND_ADDRESS", "0.0.0.0")

	cfg.OutputDir = envStr("OUTPUT_DIR", "output")

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "ampsync")
	cfg.OTELInsecure = boolVal("OTEL_EXPORTER_OTLP_INSECURE", false)

	cfg.LogLevel = envStr("AMPSYNC_LOG_LEVEL", "info")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are structurally sound. Missing
// credentials are not fatal here; the affected dependency reports unhealthy
// and its syncers are skipped. Values that can never work fail fast.
func (c Config) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL_HOURS must be positive")
	}
	if c.CacheRefreshInterval <= 0 {
		return fmt.Errorf("config: CACHE_REFRESH_INTERVAL_HOURS must be positive")
	}
	if c.SafetyAmpRateCalls <= 0 || c.SafetyAmpRatePeriod <= 0 {
		return fmt.Errorf("config: API_RATE_LIMIT_CALLS and API_RATE_LIMIT_PERIOD must be positive")
	}
	if c.SamsaraRateCalls <= 0 || c.SamsaraRatePeriod <= 0 {
		return fmt.Errorf("config: SAMSARA_RATE_LIMIT_CALLS and SAMSARA_RATE_LIMIT_PERIOD must be positive")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("config: MAX_RETRY_ATTEMPTS must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("config: HTTP_REQUEST_TIMEOUT must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("config: SYNC_INTERVAL_MINUTES must be positive")
	}
	if c.SafetyStopLimit <= 0 {
		return fmt.Errorf("config: SYNC_SAFETY_STOP must be positive")
	}
	if c.FailedSyncTTL <= 0 {
		return fmt.Errorf("config: FAILED_SYNC_TTL_DAYS must be positive")
	}
	switch c.SQLAuthMode {
	case SQLAuthManagedIdentity:
	case SQLAuthCredentials:
		if c.SQLServer != "" && (c.SQLUsername == "" || c.SQLPassword == "") {
			return fmt.Errorf("config: SQL_AUTH_MODE=%s requires SQL_USERNAME and SQL_PASSWORD", SQLAuthCredentials)
		}
	default:
		return fmt.Errorf("config: SQL_AUTH_MODE %q is not one of %q, %q", c.SQLAuthMode, SQLAuthManagedIdentity, SQLAuthCredentials)
	}
	return nil
}

// RedisAddr returns the host:port address for the Redis client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// VistaDSN renders the URL-form connection string for the configured
// driver. pgx takes postgres:// URLs; alternate drivers take their own
// name as the scheme. Managed identity sends no userinfo, so credentials
// come from the runtime environment.
func (c Config) VistaDSN() string {
	scheme := c.SQLDriver
	if scheme == "pgx" {
		scheme = "postgres"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.SQLServer,
		Path:   "/" + c.SQLDatabase,
	}
	if c.SQLAuthMode == SQLAuthCredentials {
		u.User = url.UserPassword(c.SQLUsername, c.SQLPassword)
	}
	return u.String()
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}
