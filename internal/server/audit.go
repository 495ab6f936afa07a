package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ii-safety/ampsync/internal/ratelimit"
)

// auditCapacity bounds the in-memory audit ring.
const auditCapacity = 1000

// AuditEntry records one mutating dashboard call.
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

// auditLog is a bounded in-memory ring of mutation audit entries. It is
// deliberately not persisted; the durable trail is the structured
// request log.
type auditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
}

func newAuditLog(max int) *auditLog {
	return &auditLog{max: max}
}

func (a *auditLog) append(e AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	if len(a.entries) > a.max {
		a.entries = a.entries[len(a.entries)-a.max:]
	}
}

// recent returns up to n entries, newest first.
func (a *auditLog) recent(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]AuditEntry, 0, n)
	for i := len(a.entries) - 1; i >= len(a.entries)-n; i-- {
		out = append(out, a.entries[i])
	}
	return out
}

// recordAudit appends an audit entry for the current request. An empty
// actor falls back to the client IP.
func (h *Handlers) recordAudit(r *http.Request, action string, status int, actor string, details map[string]any) {
	if actor == "" {
		actor = ratelimit.IPKeyFunc(r)
	}
	h.audit.append(AuditEntry{
		Action:    action,
		Actor:     actor,
		Method:    r.Method,
		Path:      r.URL.Path,
		RequestID: RequestIDFromContext(r.Context()),
		Status:    status,
		Details:   details,
	})
}
