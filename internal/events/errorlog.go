package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	errorLogFile     = "error_log.json"
	notificationFile = "last_notification.json"
)

// ErrorEntry is one row of the persistent error log. Unlike session
// error events these survive across sessions and runs.
type ErrorEntry struct {
	Kind       string         `json:"kind"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Source     string         `json:"source,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Notifier delivers error digests. Implementations must be safe to
// call from the sync goroutine.
type Notifier interface {
	Notify(ctx context.Context, errs []ErrorEntry) error
}

// LogNotifier writes the digest to the log. It stands in wherever no
// outbound channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, errs []ErrorEntry) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("sync error digest", "errors", len(errs))
	return nil
}

type notificationStamp struct {
	LastSent   time.Time `json:"last_sent"`
	ErrorCount int       `json:"error_count"`
}

// LogError appends to the bounded error ring and mirrors the ring to
// output/errors/error_log.json. A zero timestamp is filled in.
func (r *Recorder) LogError(e ErrorEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	r.logger.Error("sync error",
		"kind", e.Kind,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"message", e.Message,
		"source", e.Source)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorLog = append(r.errorLog, e)
	if len(r.errorLog) > r.maxErrors {
		r.errorLog = r.errorLog[len(r.errorLog)-r.maxErrors:]
	}
	r.persistErrorLogLocked()
}

// ErrorsSince returns log entries newer than now minus window,
// oldest first.
func (r *Recorder) ErrorsSince(window time.Duration) []ErrorEntry {
	return r.errorsAfter(r.now().Add(-window))
}

func (r *Recorder) errorsAfter(cutoff time.Time) []ErrorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []ErrorEntry{}
	for _, e := range r.errorLog {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// SendHourlyNotification emits a digest when at least an hour has
// passed since the last send and at least one error arrived in the
// meantime. The sent stamp advances only on notifier success, so a
// failed delivery is retried on the next call. Returns whether a
// digest went out.
func (r *Recorder) SendHourlyNotification(ctx context.Context) (bool, error) {
	r.mu.Lock()
	last := r.lastNotifySent
	r.mu.Unlock()

	now := r.now()
	if !last.IsZero() && now.Sub(last) < time.Hour {
		return false, nil
	}

	var errs []ErrorEntry
	if last.IsZero() {
		errs = r.errorsAfter(now.Add(-24 * time.Hour))
	} else {
		errs = r.errorsAfter(last)
	}
	if len(errs) == 0 {
		return false, nil
	}

	if err := r.notifier.Notify(ctx, errs); err != nil {
		r.logger.Warn("error notification failed", "error", err)
		return false, err
	}

	r.mu.Lock()
	r.lastNotifySent = now
	stamp := notificationStamp{LastSent: now.UTC(), ErrorCount: len(errs)}
	path := filepath.Join(r.errorsDir, notificationFile)
	r.mu.Unlock()

	if err := writeJSONFile(path, stamp); err != nil {
		r.logger.Warn("persist notification stamp failed", "error", err)
	}
	r.logger.Info("error notification sent", "errors", len(errs))
	return true, nil
}

func (r *Recorder) persistErrorLogLocked() {
	path := filepath.Join(r.errorsDir, errorLogFile)
	if err := writeJSONFile(path, r.errorLog); err != nil {
		r.logger.Warn("persist error log failed", "error", err)
	}
}

func (r *Recorder) restoreErrorLog() {
	raw, err := os.ReadFile(filepath.Join(r.errorsDir, errorLogFile))
	if err != nil {
		return
	}
	var entries []ErrorEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		r.logger.Warn("discard corrupt error log", "error", err)
		return
	}
	if len(entries) > r.maxErrors {
		entries = entries[len(entries)-r.maxErrors:]
	}
	r.errorLog = entries
}

func (r *Recorder) restoreNotificationStamp() {
	raw, err := os.ReadFile(filepath.Join(r.errorsDir, notificationFile))
	if err != nil {
		return
	}
	var stamp notificationStamp
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return
	}
	r.lastNotifySent = stamp.LastSent
}
