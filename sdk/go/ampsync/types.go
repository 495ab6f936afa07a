package ampsync

import "time"

// Sync types accepted by TriggerSync.
const (
	SyncAll         = "all"
	SyncEmployees   = "employees"
	SyncVehicles    = "vehicles"
	SyncDepartments = "departments"
	SyncJobs        = "jobs"
	SyncTitles      = "titles"
)

// HealthCheck is the state of one dependency probe.
type HealthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health is the service health report. Status is "healthy", "degraded"
// or "unhealthy".
type Health struct {
	Status         string                 `json:"status"`
	Version        string                 `json:"version"`
	UptimeSeconds  int64                  `json:"uptime_seconds"`
	Checks         map[string]HealthCheck `json:"checks"`
	FailedSync     FailureSummary         `json:"failed_sync"`
	LastSync       *time.Time             `json:"last_sync"`
	SyncInProgress bool                   `json:"sync_in_progress"`
	RecentErrors   []ErrorEntry           `json:"recent_errors"`
}

// Event is one change recorded during a sync session.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Operation  string         `json:"operation"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	Original   map[string]any `json:"original_data,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ChangeEvent is an Event annotated with the session it belongs to,
// as returned by Records.
type ChangeEvent struct {
	Event
	SessionID string `json:"session_id"`
	SyncType  string `json:"sync_type"`
}

// SessionSummary is the per-operation tally of one sync session.
type SessionSummary struct {
	Created         int     `json:"created"`
	Updated         int     `json:"updated"`
	Deleted         int     `json:"deleted"`
	Skipped         int     `json:"skipped"`
	Errors          int     `json:"errors"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SessionBrief is a session without its event lists.
type SessionBrief struct {
	SessionID string         `json:"session_id"`
	SyncType  string         `json:"sync_type"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Summary   SessionSummary `json:"summary"`
}

// Session is a full sync session including its change events.
type Session struct {
	SessionID string         `json:"session_id"`
	SyncType  string         `json:"sync_type"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Created   []Event        `json:"created"`
	Updated   []Event        `json:"updated"`
	Deleted   []Event        `json:"deleted"`
	Skipped   []Event        `json:"skipped"`
	Errors    []Event        `json:"errors"`
	Summary   SessionSummary `json:"summary"`
}

// Rollup aggregates change events across sessions in a time window.
type Rollup struct {
	Sessions     int            `json:"sessions"`
	ByOperation  map[string]int `json:"by_operation"`
	ByEntityType map[string]int `json:"by_entity_type"`
}

// SyncMetrics is the response of the sync-metrics endpoint.
type SyncMetrics struct {
	WindowHours int            `json:"window_hours"`
	Rollup      Rollup         `json:"rollup"`
	Sessions    []SessionBrief `json:"sessions"`
}

// ErrorEntry is one recorded sync error.
type ErrorEntry struct {
	Kind       string         `json:"kind"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Source     string         `json:"source,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// AffectedRecord is one entity grouped under a Suggestion.
type AffectedRecord struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Message    string    `json:"message,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Suggestion is remediation advice derived from recent errors and
// failed records. Category is one of "rate_limit", "connectivity",
// "duplicate", "missing_field", "validation" or "unknown".
type Suggestion struct {
	ID       string           `json:"id"`
	Category string           `json:"category"`
	Field    string           `json:"field,omitempty"`
	Severity string           `json:"severity"`
	Count    int              `json:"count"`
	Advice   string           `json:"advice"`
	Affected []AffectedRecord `json:"affected_records"`
}

// SuggestionsReport is the response of the error-suggestions endpoint.
type SuggestionsReport struct {
	WindowHours int          `json:"window_hours"`
	Suggestions []Suggestion `json:"suggestions"`
	Count       int          `json:"count"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// CacheEntry is the dashboard view of one reference cache.
type CacheEntry struct {
	ItemCount   int       `json:"item_count"`
	LastUpdated time.Time `json:"last_updated"`
	LastRefresh time.Time `json:"last_refresh"`
	TTLSeconds  int       `json:"ttl_seconds"`
	AgeSeconds  int64     `json:"age_seconds"`
	Source      string    `json:"source,omitempty"`
}

// CacheStatus reports every reference cache. Caches that have never
// been populated are present with a nil entry.
type CacheStatus struct {
	RedisConnected bool                   `json:"redis_connected"`
	Caches         map[string]*CacheEntry `json:"caches"`
}

// FieldFailure is one field rejected by the target API.
type FieldFailure struct {
	ValueFingerprint string `json:"value_fingerprint"`
	Error            string `json:"error"`
	TruncatedValue   string `json:"truncated_value"`
}

// FailedRecord is one entity the sync could not write, with the
// fingerprints used to suppress duplicate retries.
type FailedRecord struct {
	EntityType         string                  `json:"entity_type"`
	EntityID           string                  `json:"entity_id"`
	FailedFields       map[string]FieldFailure `json:"failed_fields,omitempty"`
	PayloadFingerprint string                  `json:"payload_fingerprint"`
	Category           string                  `json:"category"`
	FirstFailedAt      time.Time               `json:"first_failed_at"`
	LastFailedAt       time.Time               `json:"last_failed_at"`
	AttemptCount       int                     `json:"attempt_count"`
	LastStatus         int                     `json:"last_status"`
	LastError          string                  `json:"last_error"`
	RetryRequested     bool                    `json:"retry_requested"`
}

// FailureSummary aggregates failed records by entity type and category.
type FailureSummary struct {
	Total        int            `json:"total"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ByCategory   map[string]int `json:"by_category"`
}

// FailedRecordPage is one page of failed records.
type FailedRecordPage struct {
	Records []FailedRecord `json:"records"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	PerPage int            `json:"per_page"`
}

// APICall is one outbound API call captured in the call ring.
type APICall struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Service         string    `json:"service"`
	Method          string    `json:"method"`
	Endpoint        string    `json:"endpoint"`
	StatusCode      int       `json:"status_code"`
	DurationMS      float64   `json:"duration_ms"`
	Error           string    `json:"error,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	RequestSummary  string    `json:"request_summary,omitempty"`
	ResponseSummary string    `json:"response_summary,omitempty"`
}

// CallStats aggregates recent outbound API calls.
type CallStats struct {
	Total         int            `json:"total"`
	ByService     map[string]int `json:"by_service"`
	ErrorCount    int            `json:"error_count"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// EntityCounts breaks down change activity and failures by entity type.
type EntityCounts struct {
	WindowHours        int            `json:"window_hours"`
	Sessions           int            `json:"sessions"`
	ByEntityType       map[string]int `json:"by_entity_type"`
	ByOperation        map[string]int `json:"by_operation"`
	FailedByEntityType map[string]int `json:"failed_by_entity_type"`
}

// DurationPoint is one session on a duration trend series.
type DurationPoint struct {
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// AuditEntry is one recorded control-plane action.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	RequestID string         `json:"request_id"`
	Status    int            `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// PauseState reports whether the sync loop is paused and by whom.
type PauseState struct {
	Paused   bool      `json:"paused"`
	PausedBy string    `json:"paused_by,omitempty"`
	PausedAt time.Time `json:"paused_at,omitempty"`
}

// Summary is the dashboard landing view.
type Summary struct {
	Version        string         `json:"version"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
	LastSync       *time.Time     `json:"last_sync"`
	SyncInProgress bool           `json:"sync_in_progress"`
	Paused         bool           `json:"paused"`
	LastSession    *SessionBrief  `json:"last_session"`
	FailedRecords  FailureSummary `json:"failed_records"`
	APICalls       CallStats      `json:"api_calls"`
}
