// Package failtrack remembers which fields caused a 422 on a previous
// write attempt and gates retries until one of those fields changes.
// Records live in Redis under safetyamp:failed_sync:<entity_type>:<id>
// with a rolling TTL; a Redis outage degrades every operation to a
// no-op so syncs are never blocked by the tracker itself.
package failtrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "safetyamp:failed_sync:"

// ErrNoRecord is returned by MarkForRetry for an entity with no
// failure on file.
var ErrNoRecord = errors.New("failtrack: no record")

// Failure categories.
const (
	CategoryDuplicate       = "duplicate_fields"
	CategoryMissingRequired = "missing_required"
	CategoryValidation      = "validation_error"
	CategoryUnknown422      = "unknown_422"
)

// FieldFailure describes one field the target API rejected.
type FieldFailure struct {
	ValueFingerprint string `json:"value_fingerprint"`
	Error            string `json:"error"`
	TruncatedValue   string `json:"truncated_value"`
}

// Record is the persisted memory of the last failed write for an entity.
type Record struct {
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

// Summary aggregates the current failure ledger for the dashboard.
type Summary struct {
	Total        int            `json:"total"`
	ByEntityType map[string]int `json:"by_entity_type"`
	ByCategory   map[string]int `json:"by_category"`
}

// errorEnvelope is SafetyAmp's 422 response body.
type errorEnvelope struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// Config wires a Tracker.
type Config struct {
	Redis   *redis.Client
	TTL     time.Duration
	Enabled bool
	Logger  *slog.Logger
}

// Tracker is the failed-sync memory.
type Tracker struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
	logger  *slog.Logger
}

// New builds a Tracker. A disabled tracker records nothing and never
// gates a retry.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		client:  cfg.Redis,
		ttl:     cfg.TTL,
		enabled: cfg.Enabled,
		logger:  cfg.Logger,
	}
}

func key(entityType, id string) string {
	return keyPrefix + entityType + ":" + id
}

// Get returns the failure record for an entity, or nil when none exists.
func (t *Tracker) Get(ctx context.Context, entityType, id string) *Record {
	if !t.enabled {
		return nil
	}
	raw, err := t.client.Get(ctx, key(entityType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		t.logger.Warn("failtrack read failed", "entity_type", entityType, "entity_id", id, "error", err)
		return nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	return &rec
}

// ShouldSkipRetry reports whether a write for this entity would resend
// exactly the values that failed last time. True only when a record
// exists, no manual retry has been requested, and every tracked field's
// fingerprint matches the current payload (a field absent from the
// payload fingerprints as nil). Records with no field map compare the
// whole payload fingerprint instead.
func (t *Tracker) ShouldSkipRetry(ctx context.Context, entityType, id string, payload any) bool {
	rec := t.Get(ctx, entityType, id)
	if rec == nil || rec.RetryRequested {
		return false
	}
	fields := PayloadFields(payload)
	if len(rec.FailedFields) == 0 {
		return rec.PayloadFingerprint == Fingerprint(fields)
	}
	for name, failed := range rec.FailedFields {
		// The synthetic _general entry covers the whole payload.
		if name == "_general" {
			if Fingerprint(fields) != failed.ValueFingerprint {
				return false
			}
			continue
		}
		if Fingerprint(fields[name]) != failed.ValueFingerprint {
			return false
		}
	}
	return true
}

// RecordFailure parses the error response for a failed write and
// persists (or updates) the failure record. Non-422 statuses are
// categorized as http_<status> with no field tracking.
func (t *Tracker) RecordFailure(ctx context.Context, entityType, id string, payload any, status int, body []byte) {
	if !t.enabled {
		return
	}
	now := time.Now().UTC()
	fields := PayloadFields(payload)

	rec := Record{
		EntityType:         entityType,
		EntityID:           id,
		PayloadFingerprint: Fingerprint(fields),
		FirstFailedAt:      now,
		LastFailedAt:       now,
		AttemptCount:       1,
		LastStatus:         status,
	}

	if status == 422 {
		env, parsed := parseEnvelope(body)
		rec.LastError = env.Message
		rec.Category = categorize(env, parsed)
		rec.FailedFields = failedFields(env, parsed, fields)
	} else {
		rec.Category = fmt.Sprintf("http_%d", status)
		rec.LastError = truncate(string(body), 200)
	}

	if prior := t.Get(ctx, entityType, id); prior != nil {
		rec.FirstFailedAt = prior.FirstFailedAt
		rec.AttemptCount = prior.AttemptCount + 1
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := t.client.Set(ctx, key(entityType, id), raw, t.ttl).Err(); err != nil {
		t.logger.Warn("failtrack write failed", "entity_type", entityType, "entity_id", id, "error", err)
	}
}

// ClearFailure removes the record after a successful write.
func (t *Tracker) ClearFailure(ctx context.Context, entityType, id string) {
	if !t.enabled {
		return
	}
	if err := t.client.Del(ctx, key(entityType, id)).Err(); err != nil {
		t.logger.Warn("failtrack clear failed", "entity_type", entityType, "entity_id", id, "error", err)
	}
}

// MarkForRetry flags a record so the next sync attempts the write even
// though the payload has not changed. The record itself stays until the
// retry outcome replaces or clears it.
func (t *Tracker) MarkForRetry(ctx context.Context, entityType, id string) error {
	rec := t.Get(ctx, entityType, id)
	if rec == nil {
		return fmt.Errorf("%w for %s %s", ErrNoRecord, entityType, id)
	}
	rec.RetryRequested = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failtrack: marshal record: %w", err)
	}
	if err := t.client.Set(ctx, key(entityType, id), raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failtrack: mark retry: %w", err)
	}
	return nil
}

// MarkAllForRetry flags every record, returning how many were flagged.
func (t *Tracker) MarkAllForRetry(ctx context.Context) (int, error) {
	records := t.all(ctx)
	count := 0
	for _, rec := range records {
		if err := t.MarkForRetry(ctx, rec.EntityType, rec.EntityID); err == nil {
			count++
		}
	}
	return count, nil
}

// List returns one page of records sorted by last failure, newest
// first, with the total count. An empty entityType matches all.
func (t *Tracker) List(ctx context.Context, entityType string, page, perPage int) ([]Record, int) {
	records := t.all(ctx)
	if entityType != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.EntityType == entityType {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastFailedAt.After(records[j].LastFailedAt)
	})

	total := len(records)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	start := (page - 1) * perPage
	if start >= total {
		return []Record{}, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return records[start:end], total
}

// Summary aggregates the ledger by entity type and category.
func (t *Tracker) Summary(ctx context.Context) Summary {
	sum := Summary{
		ByEntityType: make(map[string]int),
		ByCategory:   make(map[string]int),
	}
	for _, rec := range t.all(ctx) {
		sum.Total++
		sum.ByEntityType[rec.EntityType]++
		sum.ByCategory[rec.Category]++
	}
	return sum
}

func (t *Tracker) all(ctx context.Context) []Record {
	if !t.enabled {
		return nil
	}
	iter := t.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var records []Record
	for iter.Next(ctx) {
		raw, err := t.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		t.logger.Warn("failtrack scan failed", "error", err)
	}
	return records
}

func parseEnvelope(body []byte) (errorEnvelope, bool) {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errorEnvelope{Message: truncate(string(body), 200)}, false
	}
	if env.Message == "" && len(env.Errors) == 0 {
		return env, false
	}
	return env, true
}

func categorize(env errorEnvelope, parsed bool) string {
	if !parsed {
		return CategoryUnknown422
	}
	text := strings.ToLower(env.Message)
	for _, msgs := range env.Errors {
		text += " " + strings.ToLower(strings.Join(msgs, " "))
	}
	switch {
	case strings.Contains(text, "already been taken"), strings.Contains(text, "duplicate"):
		return CategoryDuplicate
	case strings.Contains(text, "required"):
		return CategoryMissingRequired
	default:
		return CategoryValidation
	}
}

// failedFields maps each rejected field to its fingerprint in the
// attempted payload. Without a structured errors map, a single field is
// inferred from the message text, falling back to a synthetic _general
// entry covering the whole payload.
func failedFields(env errorEnvelope, parsed bool, fields map[string]any) map[string]FieldFailure {
	out := make(map[string]FieldFailure)
	if parsed && len(env.Errors) > 0 {
		for name, msgs := range env.Errors {
			out[name] = FieldFailure{
				ValueFingerprint: Fingerprint(fields[name]),
				Error:            strings.Join(msgs, "; "),
				TruncatedValue:   truncate(fmt.Sprintf("%v", fields[name]), 100),
			}
		}
		return out
	}

	if field, ok := inferField(env.Message); ok {
		out[field] = FieldFailure{
			ValueFingerprint: Fingerprint(fields[field]),
			Error:            env.Message,
			TruncatedValue:   truncate(fmt.Sprintf("%v", fields[field]), 100),
		}
		return out
	}

	out["_general"] = FieldFailure{
		ValueFingerprint: Fingerprint(fields),
		Error:            env.Message,
	}
	return out
}

// inferField guesses which payload field a free-text 422 message is
// complaining about. Order matters: the more specific names first.
var fieldKeywords = []struct {
	keyword string
	field   string
}{
	{"email", "email"},
	{"mobile phone", "mobile_phone"},
	{"mobile_phone", "mobile_phone"},
	{"work phone", "work_phone"},
	{"work_phone", "work_phone"},
	{"first name", "first_name"},
	{"first_name", "first_name"},
	{"last name", "last_name"},
	{"last_name", "last_name"},
	{"date of birth", "date_of_birth"},
	{"date", "date_of_birth"},
	{"phone", "mobile_phone"},
}

func inferField(message string) (string, bool) {
	text := strings.ToLower(message)
	for _, kw := range fieldKeywords {
		if strings.Contains(text, kw.keyword) {
			return kw.field, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
