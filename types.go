package ampsync

import "time"

// ErrorEntry is the public view of one persistent error-log row, handed
// to Notifier implementations. No internal package imports, safe to use
// from outside the module.
type ErrorEntry struct {
	Kind       string
	EntityType string
	EntityID   string
	Message    string
	Details    map[string]any
	Source     string
	Timestamp  time.Time
}
