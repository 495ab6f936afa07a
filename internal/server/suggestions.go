package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
)

// Suggestion is one aggregated error pattern with remediation advice.
// The id is a content hash of (category, field) so the same pattern
// keeps the same id across refreshes.
type Suggestion struct {
	ID       string           `json:"id"`
	Category string           `json:"category"`
	Field    string           `json:"field,omitempty"`
	Severity string           `json:"severity"`
	Count    int              `json:"count"`
	Advice   string           `json:"advice"`
	Affected []AffectedRecord `json:"affected_records"`
}

// AffectedRecord points at one entity exhibiting the pattern.
type AffectedRecord struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Message    string    `json:"message,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// maxAffected bounds the records attached to one suggestion.
const maxAffected = 50

var (
	reRateLimit    = regexp.MustCompile(`(?i)rate limit|too many requests|\b429\b`)
	reConnectivity = regexp.MustCompile(`(?i)connection|timed? ?out|network|unreachable|refused|no such host|\beof\b`)
	reDuplicate    = regexp.MustCompile(`(?i)already been taken|duplicate`)
	reMissing      = regexp.MustCompile(`(?i)required|must be present|can'?t be blank|is missing`)
	reValidation   = regexp.MustCompile(`(?i)invalid|validation|must be|too long|format`)

	reFieldTaken    = regexp.MustCompile(`(?i)the ([a-z_][a-z0-9_ ]*?) has already been taken`)
	reFieldRequired = regexp.MustCompile(`(?i)the ([a-z_][a-z0-9_ ]*?) (?:field )?is required`)
)

// categorizeMessage maps a raw error message onto a suggestion
// category and, where the message names one, a field.
func categorizeMessage(msg string) (category, field string) {
	switch {
	case reRateLimit.MatchString(msg):
		return "rate_limit", ""
	case reConnectivity.MatchString(msg):
		return "connectivity", ""
	case reDuplicate.MatchString(msg):
		return "duplicate", fieldFromMessage(msg)
	case reMissing.MatchString(msg):
		return "missing_field", fieldFromMessage(msg)
	case reValidation.MatchString(msg):
		return "validation", fieldFromMessage(msg)
	default:
		return "unknown", ""
	}
}

func fieldFromMessage(msg string) string {
	for _, re := range []*regexp.Regexp{reFieldTaken, reFieldRequired} {
		if m := re.FindStringSubmatch(msg); m != nil {
			return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(m[1])), " ", "_")
		}
	}
	return ""
}

// recordCategory maps a failure record's stored category onto the
// suggestion vocabulary, falling back to message matching for the
// http_<status> categories.
func recordCategory(rec failtrack.Record) string {
	switch rec.Category {
	case failtrack.CategoryDuplicate:
		return "duplicate"
	case failtrack.CategoryMissingRequired:
		return "missing_field"
	case failtrack.CategoryValidation, failtrack.CategoryUnknown422:
		return "validation"
	case "http_429":
		return "rate_limit"
	}
	if strings.HasPrefix(rec.Category, "http_5") {
		return "connectivity"
	}
	cat, _ := categorizeMessage(rec.LastError)
	return cat
}

func severityFor(category string, count int) string {
	switch category {
	case "rate_limit", "connectivity":
		return "high"
	case "duplicate":
		switch {
		case count >= 10:
			return "high"
		case count >= 2:
			return "medium"
		}
		return "low"
	default:
		switch {
		case count >= 10:
			return "high"
		case count >= 3:
			return "medium"
		}
		return "low"
	}
}

func suggestionID(category, field string) string {
	sum := sha256.Sum256([]byte(category + "|" + field))
	return "sug_" + hex.EncodeToString(sum[:4])
}

func adviceFor(category, field string) string {
	switch category {
	case "duplicate":
		if field != "" {
			return fmt.Sprintf("The %s value already exists in SafetyAmp. Resolve the conflict there or correct the source record; retries stay gated until the value changes.", field)
		}
		return "A submitted value already exists in SafetyAmp. Resolve the conflict there or correct the source record."
	case "rate_limit":
		return "Outbound calls are being throttled. Lower the sync frequency or spread sync types out; the client already backs off on 429s."
	case "missing_field":
		if field != "" {
			return fmt.Sprintf("The %s field is empty on the source side. Populate it in Vista for the affected records.", field)
		}
		return "A required field is empty on the source side. Populate it in Vista for the affected records."
	case "validation":
		if field != "" {
			return fmt.Sprintf("SafetyAmp rejected the %s value. Correct the source data; the record is retried once the value changes.", field)
		}
		return "SafetyAmp rejected the payload. Correct the source data; the record is retried once it changes."
	case "connectivity":
		return "Calls are failing before reaching the API. Check the network path, DNS and the service status page."
	default:
		return "No known pattern matched. Inspect the raw error details."
	}
}

type suggestionKey struct {
	category string
	field    string
}

// buildSuggestions aggregates recent error-log entries and the current
// failed-sync ledger into deduplicated, ranked suggestions.
func buildSuggestions(errs []events.ErrorEntry, records []failtrack.Record) []Suggestion {
	groups := make(map[suggestionKey]*Suggestion)

	add := func(category, field, entityType, entityID, msg string, seen time.Time) {
		k := suggestionKey{category, field}
		g, ok := groups[k]
		if !ok {
			g = &Suggestion{
				ID:       suggestionID(category, field),
				Category: category,
				Field:    field,
				Advice:   adviceFor(category, field),
				Affected: []AffectedRecord{},
			}
			groups[k] = g
		}
		g.Count++
		if len(g.Affected) < maxAffected {
			g.Affected = append(g.Affected, AffectedRecord{
				EntityType: entityType,
				EntityID:   entityID,
				Message:    msg,
				LastSeen:   seen,
			})
		}
	}

	for _, e := range errs {
		cat, field := categorizeMessage(e.Message)
		add(cat, field, e.EntityType, e.EntityID, e.Message, e.Timestamp)
	}

	for _, rec := range records {
		cat := recordCategory(rec)
		if len(rec.FailedFields) == 0 {
			add(cat, "", rec.EntityType, rec.EntityID, rec.LastError, rec.LastFailedAt)
			continue
		}
		for field, ff := range rec.FailedFields {
			// _general stands for the whole payload, not a field.
			if field == "_general" {
				field = ""
			}
			add(cat, field, rec.EntityType, rec.EntityID, ff.Error, rec.LastFailedAt)
		}
	}

	out := make([]Suggestion, 0, len(groups))
	for _, g := range groups {
		g.Severity = severityFor(g.Category, g.Count)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity); ri != rj {
			return ri < rj
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func severityRank(s string) int {
	switch s {
	case "high":
		return 0
	case "medium":
		return 1
	default:
		return 2
	}
}
