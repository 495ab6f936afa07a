// Package events tracks what a sync run did. A Recorder holds at most
// one active session at a time; events are appended in invocation
// order and the finished session is persisted as a JSON file under
// output/changes/. The error log and hourly notification gate live in
// errorlog.go.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ii-safety/ampsync/internal/metrics"
)

// ErrSessionActive is returned by StartSession while another session
// is still open.
var ErrSessionActive = errors.New("events: session already active")

// ErrNoSession is returned by EndSession when nothing was started.
var ErrNoSession = errors.New("events: no active session")

// DefaultMaxErrors bounds the in-memory error ring.
const DefaultMaxErrors = 500

// Event is a single change observed during a session. Operation names
// what was done (create, update, delete, skip) or, for error events,
// what was being attempted.
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

// Session is one bounded sync run with its five event lists.
type Session struct {
	ID        string    `json:"session_id"`
	SyncType  string    `json:"sync_type"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Created   []Event   `json:"created"`
	Updated   []Event   `json:"updated"`
	Deleted   []Event   `json:"deleted"`
	Skipped   []Event   `json:"skipped"`
	Errors    []Event   `json:"errors"`
	Summary   Summary   `json:"summary"`
}

// Summary is the rolled-up view of a session.
type Summary struct {
	Created         int     `json:"created"`
	Updated         int     `json:"updated"`
	Deleted         int     `json:"deleted"`
	Skipped         int     `json:"skipped"`
	Errors          int     `json:"errors"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Rollup aggregates events across sessions inside a rolling window.
type Rollup struct {
	Sessions     int            `json:"sessions"`
	ByOperation  map[string]int `json:"by_operation"`
	ByEntityType map[string]int `json:"by_entity_type"`
}

// Config wires a Recorder.
type Config struct {
	// OutputDir is the root under which changes/ and errors/ live.
	OutputDir string
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// MaxErrors bounds the error ring; 0 selects the default.
	MaxErrors int
	// Notifier receives hourly error digests. Nil falls back to a
	// LogNotifier.
	Notifier Notifier
}

// Recorder is the single process-wide event sink. Safe for concurrent
// use; the session itself is serial but the dashboard reads run on
// other goroutines.
type Recorder struct {
	changesDir string
	errorsDir  string
	metrics    *metrics.Metrics
	logger     *slog.Logger
	notifier   Notifier
	maxErrors  int

	mu             sync.Mutex
	active         *Session
	lastSession    *Session
	errorLog       []ErrorEntry
	lastNotifySent time.Time

	now func() time.Time
}

// New creates the output directories and restores the persisted error
// log and notification stamp from a previous run.
func New(cfg Config) (*Recorder, error) {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	r := &Recorder{
		changesDir: filepath.Join(cfg.OutputDir, "changes"),
		errorsDir:  filepath.Join(cfg.OutputDir, "errors"),
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		notifier:   cfg.Notifier,
		maxErrors:  cfg.MaxErrors,
		now:        time.Now,
	}
	if r.notifier == nil {
		r.notifier = &LogNotifier{Logger: cfg.Logger}
	}
	for _, dir := range []string{r.changesDir, r.errorsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("events: create %s: %w", dir, err)
		}
	}
	r.restoreErrorLog()
	r.restoreNotificationStamp()
	return r, nil
}

// StartSession opens a new session and returns its id. Ids are
// sync_<unix>; a second session inside the same second bumps the
// timestamp until the id is unused.
func (r *Recorder) StartSession(syncType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return "", ErrSessionActive
	}

	ts := r.now().Unix()
	id := fmt.Sprintf("sync_%d", ts)
	for r.sessionIDTaken(id) {
		ts++
		id = fmt.Sprintf("sync_%d", ts)
	}

	r.active = &Session{
		ID:        id,
		SyncType:  syncType,
		StartedAt: r.now().UTC(),
		Created:   []Event{},
		Updated:   []Event{},
		Deleted:   []Event{},
		Skipped:   []Event{},
		Errors:    []Event{},
	}
	r.logger.Info("sync session started", "session_id", id, "sync_type", syncType)
	return id, nil
}

func (r *Recorder) sessionIDTaken(id string) bool {
	if r.lastSession != nil && r.lastSession.ID == id {
		return true
	}
	_, err := os.Stat(filepath.Join(r.changesDir, id+".json"))
	return err == nil
}

// ActiveSessionID returns the open session id, or "".
func (r *Recorder) ActiveSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.ID
}

// RecordCreated logs a successful create with the payload sent.
func (r *Recorder) RecordCreated(entityType, entityID string, payload map[string]any) {
	r.append("create", "success", func(s *Session, ev Event) {
		ev.Payload = payload
		s.Created = append(s.Created, ev)
	}, entityType, entityID)
}

// RecordUpdated logs a successful update with the changed fields and
// the pre-change values.
func (r *Recorder) RecordUpdated(entityType, entityID string, changes, original map[string]any) {
	r.append("update", "success", func(s *Session, ev Event) {
		ev.Changes = changes
		ev.Original = original
		s.Updated = append(s.Updated, ev)
	}, entityType, entityID)
}

// RecordDeleted logs a delete with its reason.
func (r *Recorder) RecordDeleted(entityType, entityID, reason string) {
	r.append("delete", "success", func(s *Session, ev Event) {
		ev.Reason = reason
		s.Deleted = append(s.Deleted, ev)
	}, entityType, entityID)
}

// RecordSkipped logs a row that was intentionally not written.
func (r *Recorder) RecordSkipped(entityType, entityID, reason string) {
	r.append("skip", "skipped", func(s *Session, ev Event) {
		ev.Reason = reason
		s.Skipped = append(s.Skipped, ev)
	}, entityType, entityID)
}

// RecordError logs a failed operation on both the session and the
// error log. operation names what was attempted.
func (r *Recorder) RecordError(entityType, entityID, operation, message string, payload map[string]any) {
	r.append(operation, "error", func(s *Session, ev Event) {
		ev.Error = message
		ev.Payload = payload
		s.Errors = append(s.Errors, ev)
	}, entityType, entityID)

	r.LogError(ErrorEntry{
		Kind:       "sync_error",
		EntityType: entityType,
		EntityID:   entityID,
		Message:    message,
		Source:     operation,
	})
}

func (r *Recorder) append(operation, status string, add func(*Session, Event), entityType, entityID string) {
	if r.metrics != nil {
		r.metrics.RecordChange(entityType, operation, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.logger.Debug("event outside session dropped",
			"entity_type", entityType, "entity_id", entityID, "operation", operation)
		return
	}
	add(r.active, Event{
		Timestamp:  r.now().UTC(),
		Operation:  operation,
		EntityType: entityType,
		EntityID:   entityID,
	})
}

// EndSession closes the active session, persists it under
// output/changes/<id>.json and returns the completed session.
func (r *Recorder) EndSession() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoSession
	}

	s := r.active
	s.EndedAt = r.now().UTC()
	s.Summary = Summary{
		Created:         len(s.Created),
		Updated:         len(s.Updated),
		Deleted:         len(s.Deleted),
		Skipped:         len(s.Skipped),
		Errors:          len(s.Errors),
		DurationSeconds: s.EndedAt.Sub(s.StartedAt).Seconds(),
	}
	r.active = nil
	r.lastSession = s

	path := filepath.Join(r.changesDir, s.ID+".json")
	if err := writeJSONFile(path, s); err != nil {
		r.logger.Error("persist session failed", "session_id", s.ID, "error", err)
		return s, fmt.Errorf("events: persist session: %w", err)
	}
	r.logger.Info("sync session ended",
		"session_id", s.ID,
		"created", s.Summary.Created,
		"updated", s.Summary.Updated,
		"skipped", s.Summary.Skipped,
		"errors", s.Summary.Errors,
		"duration_seconds", s.Summary.DurationSeconds)
	return s, nil
}

// LastSession returns the most recently completed session, falling
// back to the newest persisted file after a restart.
func (r *Recorder) LastSession() (*Session, bool) {
	r.mu.Lock()
	last := r.lastSession
	r.mu.Unlock()
	if last != nil {
		return last, true
	}
	recent, err := r.RecentSessions(1)
	if err != nil || len(recent) == 0 {
		return nil, false
	}
	return recent[0], true
}

// RecentSessions loads up to n persisted sessions, newest first by
// file modtime. Unreadable files are skipped.
func (r *Recorder) RecentSessions(n int) ([]*Session, error) {
	if n <= 0 {
		n = 10
	}
	files, err := r.sessionFiles()
	if err != nil {
		return nil, err
	}

	out := make([]*Session, 0, n)
	for _, f := range files {
		if len(out) == n {
			break
		}
		s, err := r.loadSession(f.name)
		if err != nil {
			r.logger.Debug("skip unreadable session file", "file", f.name, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// RollupSince aggregates events from sessions started within the
// window ending now.
func (r *Recorder) RollupSince(window time.Duration) (*Rollup, error) {
	cutoff := r.now().Add(-window)
	files, err := r.sessionFiles()
	if err != nil {
		return nil, err
	}

	roll := &Rollup{
		ByOperation:  make(map[string]int),
		ByEntityType: make(map[string]int),
	}
	for _, f := range files {
		if f.mod.Before(cutoff) {
			break
		}
		s, err := r.loadSession(f.name)
		if err != nil || s.StartedAt.Before(cutoff) {
			continue
		}
		roll.Sessions++
		for list, evs := range map[string][]Event{
			"created": s.Created,
			"updated": s.Updated,
			"deleted": s.Deleted,
			"skipped": s.Skipped,
			"errors":  s.Errors,
		} {
			roll.ByOperation[list] += len(evs)
			for _, ev := range evs {
				roll.ByEntityType[ev.EntityType]++
			}
		}
	}
	return roll, nil
}

type sessionFile struct {
	name string
	mod  time.Time
}

func (r *Recorder) sessionFiles() ([]sessionFile, error) {
	entries, err := os.ReadDir(r.changesDir)
	if err != nil {
		return nil, fmt.Errorf("events: read %s: %w", r.changesDir, err)
	}
	files := make([]sessionFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, sessionFile{name: e.Name(), mod: info.ModTime()})
	}
	slices.SortFunc(files, func(a, b sessionFile) int {
		if c := b.mod.Compare(a.mod); c != 0 {
			return c
		}
		return strings.Compare(b.name, a.name)
	})
	return files, nil
}

func (r *Recorder) loadSession(name string) (*Session, error) {
	raw, err := os.ReadFile(filepath.Join(r.changesDir, name))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
