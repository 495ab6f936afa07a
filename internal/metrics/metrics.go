// Package metrics owns the Prometheus instrumentation for the service.
// A single Metrics value is constructed in main and handed to every
// component that records; the registry is private so tests get isolated
// collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	APIRequests        *prometheus.CounterVec   // service, method, status
	APIRequestDuration *prometheus.HistogramVec // service
	SyncRuns           *prometheus.CounterVec   // sync_type, status
	SyncDuration       *prometheus.HistogramVec // sync_type
	SyncInProgress     prometheus.Gauge
	ConsecutiveErrors  *prometheus.GaugeVec // sync_type
	Changes            *prometheus.CounterVec
	CacheItems         *prometheus.GaugeVec // cache
	CacheLastUpdated   *prometheus.GaugeVec // cache
	CacheTTLSeconds    *prometheus.GaugeVec // cache
	CacheRequests      *prometheus.CounterVec
	RedisUp            prometheus.Gauge
	BuildInfo          *prometheus.GaugeVec
}

// New constructs all collectors on a fresh registry, including the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ampsync_api_requests_total",
			Help: "Outbound API requests by service, method and status code.",
		}, []string{"service", "method", "status"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ampsync_api_request_duration_seconds",
			Help:    "Outbound API request latency by service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ampsync_sync_runs_total",
			Help: "Completed sync runs by type and outcome.",
		}, []string{"sync_type", "status"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ampsync_sync_duration_seconds",
			Help:    "Sync run duration by type.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"sync_type"}),
		SyncInProgress: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ampsync_sync_in_progress",
			Help: "1 while a sync session is running.",
		}),
		ConsecutiveErrors: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampsync_consecutive_errors",
			Help: "Current consecutive per-entity error count by sync type.",
		}, []string{"sync_type"}),
		Changes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ampsync_changes_total",
			Help: "Recorded change events by entity type, operation and status.",
		}, []string{"entity_type", "operation", "status"}),
		CacheItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampsync_cache_items_total",
			Help: "Item count of each named cache.",
		}, []string{"cache"}),
		CacheLastUpdated: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampsync_cache_last_updated_timestamp",
			Help: "Unix time each named cache was last written.",
		}, []string{"cache"}),
		CacheTTLSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampsync_cache_ttl_seconds",
			Help: "Configured TTL of each named cache.",
		}, []string{"cache"}),
		CacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ampsync_cache_requests_total",
			Help: "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		RedisUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ampsync_redis_up",
			Help: "1 when the last Redis health probe succeeded.",
		}),
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ampsync_build_info",
			Help: "Build metadata. Always 1.",
		}, []string{"version"}),
	}
}

// Handler returns the Prometheus exposition handler for the metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAPICall records one outbound API request.
func (m *Metrics) ObserveAPICall(service, method, status string, d time.Duration) {
	m.APIRequests.WithLabelValues(service, method, status).Inc()
	m.APIRequestDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveSyncRun records one completed sync run.
func (m *Metrics) ObserveSyncRun(syncType, status string, d time.Duration) {
	m.SyncRuns.WithLabelValues(syncType, status).Inc()
	m.SyncDuration.WithLabelValues(syncType).Observe(d.Seconds())
}

// RecordChange bumps the change counter for one sync decision.
func (m *Metrics) RecordChange(entityType, operation, status string) {
	m.Changes.WithLabelValues(entityType, operation, status).Inc()
}

// SyncStarted and SyncFinished bracket a sync session for the
// in-progress gauge.
func (m *Metrics) SyncStarted()  { m.SyncInProgress.Set(1) }
func (m *Metrics) SyncFinished() { m.SyncInProgress.Set(0) }

// SetConsecutiveErrors publishes the safety-stop counter for one sync type.
func (m *Metrics) SetConsecutiveErrors(syncType string, n int) {
	m.ConsecutiveErrors.WithLabelValues(syncType).Set(float64(n))
}

// SetCacheStats updates the per-cache gauges after a save.
func (m *Metrics) SetCacheStats(cache string, items int, lastUpdated time.Time, ttl time.Duration) {
	m.CacheItems.WithLabelValues(cache).Set(float64(items))
	m.CacheLastUpdated.WithLabelValues(cache).Set(float64(lastUpdated.Unix()))
	m.CacheTTLSeconds.WithLabelValues(cache).Set(ttl.Seconds())
}

// CacheHit and CacheMiss record lookup outcomes per tier ("redis", "disk").
func (m *Metrics) CacheHit(tier string)  { m.CacheRequests.WithLabelValues(tier, "hit").Inc() }
func (m *Metrics) CacheMiss(tier string) { m.CacheRequests.WithLabelValues(tier, "miss").Inc() }

// SetBuildInfo publishes the version label.
func (m *Metrics) SetBuildInfo(version string) {
	m.BuildInfo.WithLabelValues(version).Set(1)
}
