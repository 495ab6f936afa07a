// Package calltrack keeps a bounded ring of recent outbound API calls
// in a Redis list so the dashboard can show live traffic. The ring is
// advisory: when Redis is down, recording and reading are silent no-ops.
package calltrack

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const listKey = "safetyamp:api_calls"

// DefaultMaxEntries bounds the ring when no limit is configured.
const DefaultMaxEntries = 1000

// Record is one outbound API call.
type Record struct {
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

// Filter narrows Recent results. Zero values match everything.
type Filter struct {
	Service       string
	Method        string
	ErrorsOnly    bool
	CorrelationID string
}

// Stats summarizes the most recent calls.
type Stats struct {
	Total         int            `json:"total"`
	ByService     map[string]int `json:"by_service"`
	ErrorCount    int            `json:"error_count"`
	SuccessRate   float64        `json:"success_rate"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Tracker is the Redis-backed call ring.
type Tracker struct {
	client     *redis.Client
	maxEntries int64
	logger     *slog.Logger
}

// New builds a Tracker. maxEntries <= 0 selects the default bound.
func New(client *redis.Client, maxEntries int, logger *slog.Logger) *Tracker {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{client: client, maxEntries: int64(maxEntries), logger: logger}
}

// Record pushes one call onto the ring and trims it to the bound.
// Missing id and timestamp are filled in.
func (t *Tracker) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	pipe := t.client.Pipeline()
	pipe.LPush(ctx, listKey, raw)
	pipe.LTrim(ctx, listKey, 0, t.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Debug("calltrack record dropped", "error", err)
	}
}

// Recent returns up to limit calls, newest first, after filtering.
// Reads over-fetch threefold so filters still fill the page, and skip
// entries that fail to decode.
func (t *Tracker) Recent(ctx context.Context, limit int, f Filter) []Record {
	if limit <= 0 {
		limit = 50
	}
	fetch := int64(limit) * 3
	if fetch > t.maxEntries {
		fetch = t.maxEntries
	}
	rows, err := t.client.LRange(ctx, listKey, 0, fetch-1).Result()
	if err != nil {
		return []Record{}
	}

	out := make([]Record, 0, limit)
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			continue
		}
		if !f.matches(rec) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (f Filter) matches(rec Record) bool {
	if f.Service != "" && rec.Service != f.Service {
		return false
	}
	if f.Method != "" && rec.Method != f.Method {
		return false
	}
	if f.ErrorsOnly && rec.StatusCode < 400 {
		return false
	}
	if f.CorrelationID != "" && rec.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

// Stats aggregates the newest limit calls.
func (t *Tracker) Stats(ctx context.Context, limit int) Stats {
	stats := Stats{ByService: make(map[string]int)}
	if limit <= 0 {
		limit = int(t.maxEntries)
	}
	rows, err := t.client.LRange(ctx, listKey, 0, int64(limit)-1).Result()
	if err != nil {
		return stats
	}

	var totalDuration float64
	for _, row := range rows {
		var rec Record
		if err := json.Unmarshal([]byte(row), &rec); err != nil {
			continue
		}
		stats.Total++
		stats.ByService[rec.Service]++
		if rec.StatusCode >= 400 || rec.Error != "" {
			stats.ErrorCount++
		}
		totalDuration += rec.DurationMS
	}
	if stats.Total > 0 {
		stats.SuccessRate = round1(float64(stats.Total-stats.ErrorCount) / float64(stats.Total) * 100)
		stats.AvgDurationMS = round1(totalDuration / float64(stats.Total))
	}
	return stats
}

// Len reports the current ring size, 0 on any Redis error.
func (t *Tracker) Len(ctx context.Context) int {
	n, err := t.client.LLen(ctx, listKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
