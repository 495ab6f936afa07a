package ratelimit

import (
	"sync"
	"time"
)

// window is the live counter for one (rule, key) pair.
type window struct {
	start time.Time
	count int
}

// MemoryLimiter implements Limiter with an in-memory fixed window per
// (rule, key) pair. The first request in a window starts it; once Limit
// requests have been counted, further requests are denied until the
// window elapses. A background goroutine evicts idle entries to bound
// memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a fixed-window limiter. Call Close to stop
// the eviction goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one request against the rule's window for key.
func (m *MemoryLimiter) Allow(rule Rule, key string) Decision {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := rule.Name + ":" + key
	w, ok := m.windows[k]
	if !ok || now.Sub(w.start) >= rule.Window {
		w = &window{start: now}
		m.windows[k] = w
	}

	if w.count >= rule.Limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(rule.Window).Sub(now),
		}
	}
	w.count++
	return Decision{Allowed: true, Remaining: rule.Limit - w.count}
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, w := range m.windows {
		if w.start.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}
