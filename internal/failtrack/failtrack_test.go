package failtrack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tracker := New(Config{
		Redis:   client,
		TTL:     7 * 24 * time.Hour,
		Enabled: true,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	return tracker, mr
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "john.doe@example.com", sha("john.doe@example.com")},
		{"padded string trimmed", "  john.doe@example.com  ", sha("john.doe@example.com")},
		{"nil", nil, sha("")},
		{"int", 12345, sha("12345")},
		{"float from json", float64(12345), sha("12345")},
		{"map canonical", map[string]any{"b": 1.0, "a": 2.0}, sha(`{"a":2,"b":1}`)},
		{"slice", []any{"x", "y"}, sha(`["x","y"]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fingerprint(tt.in))
		})
	}
}

func TestRecordFailureTracksFields(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	payload := map[string]any{"emp_id": "12345", "email": "john.doe@example.com"}
	body := []byte(`{"message":"The given data was invalid.","errors":{"email":["The email has already been taken."]}}`)
	tracker.RecordFailure(ctx, "employee", "12345", payload, 422, body)

	rec := tracker.Get(ctx, "employee", "12345")
	require.NotNil(t, rec)
	assert.Equal(t, CategoryDuplicate, rec.Category)
	assert.Equal(t, 422, rec.LastStatus)
	assert.Equal(t, 1, rec.AttemptCount)
	require.Contains(t, rec.FailedFields, "email")
	assert.Equal(t, sha("john.doe@example.com"), rec.FailedFields["email"].ValueFingerprint)
	assert.Equal(t, "The email has already been taken.", rec.FailedFields["email"].Error)

	assert.True(t, mr.Exists("safetyamp:failed_sync:employee:12345"))
	ttl := mr.TTL("safetyamp:failed_sync:employee:12345")
	assert.Equal(t, 7*24*time.Hour, ttl)
}

func TestShouldSkipRetryGate(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	payload := map[string]any{"emp_id": "12345", "email": "john.doe@example.com"}
	body := []byte(`{"message":"invalid","errors":{"email":["The email has already been taken."]}}`)
	tracker.RecordFailure(ctx, "employee", "12345", payload, 422, body)

	// Same email: retry is pointless.
	assert.True(t, tracker.ShouldSkipRetry(ctx, "employee", "12345", payload))

	// Unrelated field changed, failing field identical: still skipped.
	changed := map[string]any{"emp_id": "12345", "email": "john.doe@example.com", "mobile_phone": "+15551234567"}
	assert.True(t, tracker.ShouldSkipRetry(ctx, "employee", "12345", changed))

	// The failing field changed: retry.
	fixed := map[string]any{"emp_id": "12345", "email": "john.d@example.com"}
	assert.False(t, tracker.ShouldSkipRetry(ctx, "employee", "12345", fixed))

	// No record at all: retry.
	assert.False(t, tracker.ShouldSkipRetry(ctx, "employee", "99999", payload))
}

func TestShouldSkipRetryAbsentFieldMatchesNil(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	// The failed payload had no email field at all.
	payload := map[string]any{"emp_id": "12345"}
	body := []byte(`{"message":"invalid","errors":{"email":["The email field is required."]}}`)
	tracker.RecordFailure(ctx, "employee", "12345", payload, 422, body)

	rec := tracker.Get(ctx, "employee", "12345")
	require.NotNil(t, rec)
	assert.Equal(t, CategoryMissingRequired, rec.Category)
	assert.Equal(t, sha(""), rec.FailedFields["email"].ValueFingerprint)

	// Still no email: skip. Email now present: retry.
	assert.True(t, tracker.ShouldSkipRetry(ctx, "employee", "12345", payload))
	withEmail := map[string]any{"emp_id": "12345", "email": "j@example.com"}
	assert.False(t, tracker.ShouldSkipRetry(ctx, "employee", "12345", withEmail))
}

func TestCategories(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"duplicate", 422, `{"message":"The email has already been taken."}`, CategoryDuplicate},
		{"duplicate keyword", 422, `{"message":"duplicate entry"}`, CategoryDuplicate},
		{"missing required", 422, `{"message":"The first name field is required."}`, CategoryMissingRequired},
		{"other validation", 422, `{"message":"The email format is invalid."}`, CategoryValidation},
		{"unparseable", 422, `<html>bad gateway</html>`, CategoryUnknown422},
		{"server error", 500, `oops`, "http_500"},
		{"forbidden", 403, `denied`, "http_403"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := newTestTracker(t)
			ctx := context.Background()
			tracker.RecordFailure(ctx, "employee", "1", map[string]any{"email": "x@example.com"}, tt.status, []byte(tt.body))
			rec := tracker.Get(ctx, "employee", "1")
			require.NotNil(t, rec)
			assert.Equal(t, tt.want, rec.Category)
		})
	}
}

func TestInferFieldFromMessage(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	payload := map[string]any{"mobile_phone": "+15551234567"}
	tracker.RecordFailure(ctx, "employee", "1", payload, 422,
		[]byte(`{"message":"The mobile phone format is invalid."}`))

	rec := tracker.Get(ctx, "employee", "1")
	require.NotNil(t, rec)
	require.Contains(t, rec.FailedFields, "mobile_phone")
	assert.Equal(t, sha("+15551234567"), rec.FailedFields["mobile_phone"].ValueFingerprint)
}

func TestGeneralFallbackField(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	payload := map[string]any{"name": "Truck"}
	tracker.RecordFailure(ctx, "vehicle", "v-1", payload, 422,
		[]byte(`{"message":"Something does not add up."}`))

	rec := tracker.Get(ctx, "vehicle", "v-1")
	require.NotNil(t, rec)
	require.Contains(t, rec.FailedFields, "_general")

	// Identical payload stays gated; any change releases it.
	assert.True(t, tracker.ShouldSkipRetry(ctx, "vehicle", "v-1", payload))
	assert.False(t, tracker.ShouldSkipRetry(ctx, "vehicle", "v-1", map[string]any{"name": "Truck 2"}))
}

func TestFailurePreservesFirstFailedAt(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	payload := map[string]any{"email": "a@example.com"}
	body := []byte(`{"message":"invalid","errors":{"email":["bad"]}}`)
	tracker.RecordFailure(ctx, "employee", "1", payload, 422, body)
	first := tracker.Get(ctx, "employee", "1")
	require.NotNil(t, first)

	time.Sleep(5 * time.Millisecond)
	tracker.RecordFailure(ctx, "employee", "1", payload, 422, body)
	second := tracker.Get(ctx, "employee", "1")
	require.NotNil(t, second)

	assert.Equal(t, first.FirstFailedAt, second.FirstFailedAt)
	assert.Equal(t, 2, second.AttemptCount)
	assert.True(t, second.LastFailedAt.After(first.LastFailedAt) || second.LastFailedAt.Equal(first.LastFailedAt))
}

func TestClearFailure(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	tracker.RecordFailure(ctx, "employee", "1", map[string]any{"email": "x"}, 422,
		[]byte(`{"message":"invalid","errors":{"email":["bad"]}}`))
	require.True(t, mr.Exists("safetyamp:failed_sync:employee:1"))

	tracker.ClearFailure(ctx, "employee", "1")
	assert.False(t, mr.Exists("safetyamp:failed_sync:employee:1"))
	assert.Nil(t, tracker.Get(ctx, "employee", "1"))
}

func TestMarkForRetry(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	payload := map[string]any{"email": "x@example.com"}
	tracker.RecordFailure(ctx, "employee", "1", payload, 422,
		[]byte(`{"message":"invalid","errors":{"email":["bad"]}}`))
	require.True(t, tracker.ShouldSkipRetry(ctx, "employee", "1", payload))

	require.NoError(t, tracker.MarkForRetry(ctx, "employee", "1"))
	assert.False(t, tracker.ShouldSkipRetry(ctx, "employee", "1", payload))

	rec := tracker.Get(ctx, "employee", "1")
	require.NotNil(t, rec)
	assert.True(t, rec.RetryRequested)
	assert.Greater(t, mr.TTL("safetyamp:failed_sync:employee:1"), time.Duration(0), "TTL survives the flag update")

	assert.Error(t, tracker.MarkForRetry(ctx, "employee", "404"))
}

func TestRecordExpires(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	tracker.RecordFailure(ctx, "employee", "1", map[string]any{"email": "x"}, 422,
		[]byte(`{"message":"invalid","errors":{"email":["bad"]}}`))

	mr.FastForward(7*24*time.Hour + time.Second)
	assert.Nil(t, tracker.Get(ctx, "employee", "1"))
}

func TestListAndSummary(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	body := []byte(`{"message":"dup","errors":{"email":["The email has already been taken."]}}`)
	tracker.RecordFailure(ctx, "employee", "1", map[string]any{"email": "a"}, 422, body)
	time.Sleep(2 * time.Millisecond)
	tracker.RecordFailure(ctx, "employee", "2", map[string]any{"email": "b"}, 422, body)
	time.Sleep(2 * time.Millisecond)
	tracker.RecordFailure(ctx, "vehicle", "v-1", map[string]any{"name": "t"}, 500, []byte(`oops`))

	records, total := tracker.List(ctx, "", 1, 2)
	assert.Equal(t, 3, total)
	require.Len(t, records, 2)
	assert.Equal(t, "v-1", records[0].EntityID, "newest first")

	records, total = tracker.List(ctx, "employee", 1, 50)
	assert.Equal(t, 2, total)
	require.Len(t, records, 2)

	records, _ = tracker.List(ctx, "", 2, 2)
	require.Len(t, records, 1)

	sum := tracker.Summary(ctx)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 2, sum.ByEntityType["employee"])
	assert.Equal(t, 1, sum.ByEntityType["vehicle"])
	assert.Equal(t, 2, sum.ByCategory[CategoryDuplicate])
	assert.Equal(t, 1, sum.ByCategory["http_500"])
}

func TestRedisOutageDegradesToNoop(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()
	mr.Close()

	payload := map[string]any{"email": "x"}
	tracker.RecordFailure(ctx, "employee", "1", payload, 422, []byte(`{"message":"m"}`))
	assert.False(t, tracker.ShouldSkipRetry(ctx, "employee", "1", payload))
	tracker.ClearFailure(ctx, "employee", "1")
	assert.Nil(t, tracker.Get(ctx, "employee", "1"))

	records, total := tracker.List(ctx, "", 1, 10)
	assert.Empty(t, records)
	assert.Zero(t, total)
	assert.Zero(t, tracker.Summary(ctx).Total)
}

func TestDisabledTrackerNeverGates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tracker := New(Config{Redis: client, TTL: time.Hour, Enabled: false})
	ctx := context.Background()

	payload := map[string]any{"email": "x"}
	tracker.RecordFailure(ctx, "employee", "1", payload, 422, []byte(`{"message":"m"}`))
	assert.False(t, mr.Exists("safetyamp:failed_sync:employee:1"))
	assert.False(t, tracker.ShouldSkipRetry(ctx, "employee", "1", payload))
}

func TestPayloadFieldsFromStruct(t *testing.T) {
	type payload struct {
		EmpID string `json:"emp_id"`
		Email string `json:"email,omitempty"`
	}
	fields := PayloadFields(payload{EmpID: "12345", Email: "j@example.com"})
	assert.Equal(t, "12345", fields["emp_id"])
	assert.Equal(t, "j@example.com", fields["email"])

	fields = PayloadFields(payload{EmpID: "12345"})
	_, present := fields["email"]
	assert.False(t, present, "omitempty fields disappear, matching an absent-field fingerprint of nil")
}
