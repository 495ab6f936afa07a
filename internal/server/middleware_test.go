package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ii-safety/ampsync/internal/ctxutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecoveryMiddlewareConvertsPanic(t *testing.T) {
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(testLogger(), inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/anything", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("got error %q, want %q", body["error"], "internal server error")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seenRequestID, seenCorrelationID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = RequestIDFromContext(r.Context())
		seenCorrelationID = ctxutil.CorrelationID(r.Context())
	})
	handler := requestIDMiddleware(inner)

	// Generated when the caller sends none.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if seenRequestID == "" {
		t.Fatal("no request id assigned")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seenRequestID {
		t.Errorf("response header %q does not match context id %q", got, seenRequestID)
	}
	if seenCorrelationID != seenRequestID {
		t.Errorf("correlation id %q does not match request id %q", seenCorrelationID, seenRequestID)
	}

	// Reused when the caller supplies one.
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seenRequestID != "upstream-id" {
		t.Errorf("got request id %q, want upstream-id", seenRequestID)
	}
}

func TestDashboardAuthModes(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		configured string
		header     string
		query      string
		want       int
	}{
		{"dev mode passes without token", "", "", "", http.StatusNoContent},
		{"missing token", "secret", "", "", http.StatusUnauthorized},
		{"wrong header token", "secret", "nope", "", http.StatusForbidden},
		{"right header token", "secret", "secret", "", http.StatusNoContent},
		{"right query token", "secret", "", "secret", http.StatusNoContent},
		{"wrong query token", "secret", "", "nope", http.StatusForbidden},
		{"header wins over query", "secret", "secret", "ignored", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := dashboardAuth(tt.configured)(ok)
			target := "/x"
			if tt.query != "" {
				target += "?dashboard_token=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set("X-Dashboard-Token", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuditLogRingTrims(t *testing.T) {
	log := newAuditLog(5)
	for i := 0; i < 8; i++ {
		log.append(AuditEntry{Action: "a", Status: i})
	}

	all := log.recent(0)
	if len(all) != 5 {
		t.Fatalf("got %d entries, want 5", len(all))
	}
	// Newest first: statuses 7 down to 3.
	if all[0].Status != 7 || all[4].Status != 3 {
		t.Errorf("got statuses %d..%d, want 7..3", all[0].Status, all[4].Status)
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Error("append must fill id and timestamp")
	}

	if got := log.recent(2); len(got) != 2 || got[0].Status != 7 {
		t.Errorf("recent(2) = %d entries starting %d, want 2 starting 7", len(got), got[0].Status)
	}
}

func TestIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 24},
		{"hours=6", 6},
		{"hours=0", 0},
		{"hours=-3", 24},
		{"hours=junk", 24},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/x?"+tt.query, nil)
		if got := intParam(r, "hours", 24); got != tt.want {
			t.Errorf("intParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
