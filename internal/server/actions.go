package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/orchestrator"
	"github.com/ii-safety/ampsync/internal/ratelimit"
)

var pausedByRE = regexp.MustCompile(`^[\w@.\-]{0,64}$`)

// HandleSetPause handles POST /api/dashboard/sync-pause. The pause
// budget (5/min) is consumed after validation: malformed requests get
// their 400 without eating an operator's allowance.
func (h *Handlers) HandleSetPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused   json.RawMessage `json:"paused"`
		PausedBy string          `json:"paused_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Strict boolean: "true"/"false" literals only, no strings or numbers.
	var paused bool
	switch strings.TrimSpace(string(req.Paused)) {
	case "true":
		paused = true
	case "false":
		paused = false
	default:
		writeError(w, http.StatusBadRequest, "paused must be true or false")
		return
	}

	pausedBy := strings.TrimSpace(req.PausedBy)
	if !pausedByRE.MatchString(pausedBy) {
		writeError(w, http.StatusBadRequest, "paused_by may only contain letters, digits, @ . _ - and be at most 64 characters")
		return
	}

	if h.limiter != nil {
		if d := h.limiter.Allow(pauseRule, ratelimit.IPKeyFunc(r)); !d.Allowed {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if err := h.orch.SetPaused(r.Context(), paused, pausedBy); err != nil {
		h.logger.Error("set pause flag failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "pause state unavailable")
		return
	}

	h.recordAudit(r, "sync_pause", http.StatusOK, pausedBy, map[string]any{"paused": paused})
	writeJSON(w, http.StatusOK, h.orch.PauseState(r.Context()))
}

// HandleTriggerSync handles POST /api/dashboard/trigger-sync.
func (h *Handlers) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SyncType string `json:"sync_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	st := model.SyncType(req.SyncType)
	if !model.ValidSyncType(st) {
		writeError(w, http.StatusBadRequest, "unknown sync_type")
		return
	}

	if err := h.orch.Trigger(st); err != nil {
		if errors.Is(err, orchestrator.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, "trigger queue full")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.recordAudit(r, "trigger_sync", http.StatusAccepted, "", map[string]any{"sync_type": req.SyncType})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":    true,
		"sync_type": req.SyncType,
	})
}

// HandleRetryAll handles POST /api/dashboard/retry-all: flags every
// failed-sync record so the next cycle re-attempts them.
func (h *Handlers) HandleRetryAll(w http.ResponseWriter, r *http.Request) {
	marked, err := h.failures.MarkAllForRetry(r.Context())
	if err != nil {
		h.logger.Warn("retry-all partially failed", "marked", marked, "error", err)
	}
	h.recordAudit(r, "retry_all", http.StatusOK, "", map[string]any{"marked": marked})
	writeJSON(w, http.StatusOK, map[string]any{"marked": marked})
}

// HandleRetryRecord handles POST /api/dashboard/retry-record.
func (h *Handlers) HandleRetryRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EntityType == "" || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_type and entity_id are required")
		return
	}

	if err := h.failures.MarkForRetry(r.Context(), req.EntityType, req.EntityID); err != nil {
		if errors.Is(err, failtrack.ErrNoRecord) {
			writeError(w, http.StatusNotFound, "no failed record for that entity")
			return
		}
		h.logger.Error("retry-record failed", "entity_type", req.EntityType, "entity_id", req.EntityID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed-sync store unavailable")
		return
	}

	h.recordAudit(r, "retry_record", http.StatusOK, "", map[string]any{
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"marked":      true,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
	})
}

// HandleCacheInvalidate handles POST /api/dashboard/cache/invalidate.
// An empty or absent cache name flushes every reference cache.
func (h *Handlers) HandleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cache string `json:"cache"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	names := cacheNames
	if req.Cache != "" && req.Cache != "all" {
		if !slices.Contains(cacheNames, req.Cache) {
			writeError(w, http.StatusNotFound, "unknown cache")
			return
		}
		names = []string{req.Cache}
	}

	invalidated := make([]string, 0, len(names))
	for _, name := range names {
		if err := h.cache.Invalidate(r.Context(), name, ""); err != nil {
			h.logger.Warn("cache invalidation failed", "cache", name, "error", err)
			continue
		}
		invalidated = append(invalidated, name)
	}

	h.recordAudit(r, "cache_invalidate", http.StatusOK, "", map[string]any{"caches": invalidated})
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": invalidated})
}
