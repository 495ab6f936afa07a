package failtrack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Fingerprint hashes a field value in its normalized form: strings are
// whitespace-trimmed, nil becomes the empty string, maps and slices are
// canonical JSON (Go sorts map keys on marshal), and remaining scalars
// go through their default formatting. Two values fingerprint equal iff
// a retry with the second would resend what already failed.
func Fingerprint(v any) string {
	var normalized string
	switch t := v.(type) {
	case nil:
		normalized = ""
	case string:
		normalized = strings.TrimSpace(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			normalized = fmt.Sprintf("%v", t)
		} else {
			normalized = string(b)
		}
	default:
		normalized = strings.TrimSpace(fmt.Sprintf("%v", t))
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// PayloadFields flattens a typed payload into the field map the tracker
// fingerprints. The JSON round trip gives every caller the same view of
// a payload regardless of its Go type.
func PayloadFields(payload any) map[string]any {
	if payload == nil {
		return nil
	}
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
