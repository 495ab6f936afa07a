package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ii-safety/ampsync/internal/calltrack"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/syncer"
)

// Dashboard reads never fail a request over a broken data source: a
// dead Redis or an unreadable session directory yields empty structures
// so the UI renders instead of cascading.

// sessionBrief is a session without its event lists.
type sessionBrief struct {
	SessionID string         `json:"session_id"`
	SyncType  string         `json:"sync_type"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Summary   events.Summary `json:"summary"`
}

func brief(s *events.Session) sessionBrief {
	return sessionBrief{
		SessionID: s.ID,
		SyncType:  s.SyncType,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		Summary:   s.Summary,
	}
}

// HandleSummary handles GET /api/dashboard/summary.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := struct {
		Version        string            `json:"version"`
		UptimeSeconds  int64             `json:"uptime_seconds"`
		LastSync       *time.Time        `json:"last_sync"`
		SyncInProgress bool              `json:"sync_in_progress"`
		Paused         bool              `json:"paused"`
		LastSession    *sessionBrief     `json:"last_session"`
		FailedRecords  failtrack.Summary `json:"failed_records"`
		APICalls       calltrack.Stats   `json:"api_calls"`
	}{
		Version:        h.version,
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		SyncInProgress: h.orch.Running(),
		Paused:         h.orch.PauseState(ctx).Paused,
		FailedRecords:  h.failures.Summary(ctx),
		APICalls:       h.calls.Stats(ctx, 200),
	}
	if ts, ok := h.orch.LastSync(); ok {
		resp.LastSync = &ts
	}
	if s, ok := h.events.LastSession(); ok {
		b := brief(s)
		resp.LastSession = &b
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSyncMetrics handles GET /api/dashboard/sync-metrics.
func (h *Handlers) HandleSyncMetrics(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", 24)
	limit := intParam(r, "limit", 20)

	rollup, err := h.events.RollupSince(time.Duration(hours) * time.Hour)
	if err != nil {
		rollup = &events.Rollup{ByOperation: map[string]int{}, ByEntityType: map[string]int{}}
	}

	briefs := []sessionBrief{}
	if sessions, err := h.events.RecentSessions(limit); err == nil {
		for _, s := range sessions {
			briefs = append(briefs, brief(s))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"rollup":       rollup,
		"sessions":     briefs,
	})
}

// HandleAPICalls handles GET /api/dashboard/api-calls.
func (h *Handlers) HandleAPICalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	calls := h.calls.Recent(r.Context(), intParam(r, "limit", 50), calltrack.Filter{
		Service:       q.Get("service"),
		Method:        q.Get("method"),
		ErrorsOnly:    q.Get("errors_only") == "true" || q.Get("errors_only") == "1",
		CorrelationID: q.Get("correlation_id"),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"count": len(calls),
	})
}

// HandleAPICallStats handles GET /api/dashboard/api-call-stats.
func (h *Handlers) HandleAPICallStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.calls.Stats(r.Context(), intParam(r, "limit", 500)))
}

// HandleSessions handles GET /api/dashboard/sessions. Unlike
// sync-metrics this returns the full sessions, event lists included.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.events.RecentSessions(intParam(r, "limit", 10))
	if err != nil {
		sessions = []*events.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// HandleErrors handles GET /api/dashboard/errors.
func (h *Handlers) HandleErrors(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", 24)
	errs := h.events.ErrorsSince(time.Duration(hours) * time.Hour)
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"errors":       errs,
		"count":        len(errs),
	})
}

// HandleErrorSuggestions handles GET /api/dashboard/error-suggestions.
func (h *Handlers) HandleErrorSuggestions(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", 24)
	suggestions := buildSuggestions(
		h.events.ErrorsSince(time.Duration(hours)*time.Hour),
		h.allFailureRecords(r.Context()),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"suggestions":  suggestions,
		"count":        len(suggestions),
		"generated_at": time.Now().UTC(),
	})
}

func (h *Handlers) allFailureRecords(ctx context.Context) []failtrack.Record {
	records, _ := h.failures.List(ctx, "", 1, 1000)
	return records
}

// cacheEntryStatus is the dashboard view of one cache's metadata twin.
type cacheEntryStatus struct {
	ItemCount   int       `json:"item_count"`
	LastUpdated time.Time `json:"last_updated"`
	LastRefresh time.Time `json:"last_refresh"`
	TTLSeconds  int       `json:"ttl_seconds"`
	AgeSeconds  int64     `json:"age_seconds"`
	Source      string    `json:"source,omitempty"`
}

var cacheNames = []string{
	syncer.CacheUsers,
	syncer.CacheSites,
	syncer.CacheClusters,
	syncer.CacheRoles,
	syncer.CacheTitles,
	syncer.CacheAssets,
	syncer.CacheAssetTypes,
	syncer.CacheDrivers,
	syncer.CacheDirectory,
}

// HandleCacheStatus handles GET /api/dashboard/cache-status. Caches
// that have never been populated report null.
func (h *Handlers) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caches := make(map[string]*cacheEntryStatus, len(cacheNames))
	for _, name := range cacheNames {
		meta := h.cache.Status(ctx, name, "")
		if meta == nil {
			caches[name] = nil
			continue
		}
		caches[name] = &cacheEntryStatus{
			ItemCount:   meta.ItemCount,
			LastUpdated: meta.LastUpdated,
			LastRefresh: meta.LastRefresh,
			TTLSeconds:  meta.TTLSeconds,
			AgeSeconds:  int64(time.Since(meta.LastUpdated).Seconds()),
			Source:      meta.Source,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"redis_connected": h.cache.Healthy(ctx),
		"caches":          caches,
	})
}

// HandleFailedRecords handles GET /api/dashboard/failed-records.
func (h *Handlers) HandleFailedRecords(w http.ResponseWriter, r *http.Request) {
	page := intParam(r, "page", 1)
	perPage := intParam(r, "per_page", 50)
	records, total := h.failures.List(r.Context(), r.URL.Query().Get("entity_type"), page, perPage)
	writeJSON(w, http.StatusOK, map[string]any{
		"records":  records,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// recordEvent is one change event annotated with its session.
type recordEvent struct {
	events.Event
	SessionID string `json:"session_id"`
	SyncType  string `json:"sync_type"`
}

// HandleRecords handles GET /api/dashboard/records: change events
// across sessions inside a time range, optionally filtered by
// operation and entity type.
func (h *Handlers) HandleRecords(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", 24)
	limit := intParam(r, "limit", 500)
	q := r.URL.Query()
	opFilter := q.Get("operation")
	typeFilter := q.Get("entity_type")
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	out := []recordEvent{}
	sessions, err := h.events.RecentSessions(200)
	if err != nil {
		sessions = nil
	}
	for _, s := range sessions {
		if s.StartedAt.Before(cutoff) {
			continue
		}
		for _, ev := range sessionEvents(s) {
			if opFilter != "" && ev.Operation != opFilter {
				continue
			}
			if typeFilter != "" && ev.EntityType != typeFilter {
				continue
			}
			out = append(out, recordEvent{Event: ev, SessionID: s.ID, SyncType: s.SyncType})
			if len(out) == limit {
				break
			}
		}
		if len(out) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"events":       out,
		"count":        len(out),
	})
}

func sessionEvents(s *events.Session) []events.Event {
	all := make([]events.Event, 0,
		len(s.Created)+len(s.Updated)+len(s.Deleted)+len(s.Skipped)+len(s.Errors))
	all = append(all, s.Created...)
	all = append(all, s.Updated...)
	all = append(all, s.Deleted...)
	all = append(all, s.Skipped...)
	all = append(all, s.Errors...)
	return all
}

// HandleEntityCounts handles GET /api/dashboard/entity-counts.
func (h *Handlers) HandleEntityCounts(w http.ResponseWriter, r *http.Request) {
	hours := intParam(r, "hours", 24)
	rollup, err := h.events.RollupSince(time.Duration(hours) * time.Hour)
	if err != nil {
		rollup = &events.Rollup{ByOperation: map[string]int{}, ByEntityType: map[string]int{}}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours":          hours,
		"sessions":              rollup.Sessions,
		"by_entity_type":        rollup.ByEntityType,
		"by_operation":          rollup.ByOperation,
		"failed_by_entity_type": h.failures.Summary(r.Context()).ByEntityType,
	})
}

// durationPoint is one session on a duration trend series.
type durationPoint struct {
	SessionID       string    `json:"session_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// HandleDurationTrends handles GET /api/dashboard/duration-trends:
// per-sync-type series of session durations, oldest first for charting.
func (h *Handlers) HandleDurationTrends(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.events.RecentSessions(intParam(r, "limit", 50))
	if err != nil {
		sessions = nil
	}

	trends := make(map[string][]durationPoint)
	for i := len(sessions) - 1; i >= 0; i-- {
		s := sessions[i]
		trends[s.SyncType] = append(trends[s.SyncType], durationPoint{
			SessionID:       s.ID,
			StartedAt:       s.StartedAt,
			DurationSeconds: s.Summary.DurationSeconds,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trends": trends})
}

// HandleAuditLog handles GET /api/dashboard/audit-log.
func (h *Handlers) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	entries := h.audit.recent(intParam(r, "limit", 100))
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleGetPause handles GET /api/dashboard/sync-pause.
func (h *Handlers) HandleGetPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.PauseState(r.Context()))
}

// intParam reads a non-negative integer query parameter, falling back
// to def when absent or malformed.
func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
