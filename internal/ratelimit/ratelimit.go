// Package ratelimit provides per-caller request limiting for the
// dashboard plane.
//
// Limits are fixed windows ("at most N requests per minute"), counted
// in process memory. The Limiter interface is the contract so a
// multi-replica deployment can substitute a shared implementation.
package ratelimit

import "time"

// Rule names one limit: at most Limit requests per Window per key.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should proceed
// under a rule. The key is opaque to the limiter; callers construct it
// (e.g. the client IP). Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(rule Rule, key string) Decision
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always permits.
func (NoopLimiter) Allow(rule Rule, _ string) Decision {
	return Decision{Allowed: true, Remaining: rule.Limit}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
