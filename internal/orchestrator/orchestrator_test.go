package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ii-safety/ampsync/internal/cache"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/metrics"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/safetyamp"
	"github.com/ii-safety/ampsync/internal/samsara"
	"github.com/ii-safety/ampsync/internal/syncer"
	"github.com/ii-safety/ampsync/internal/vista"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const emptySchema = `
CREATE TABLE bPREH (
	Employee INTEGER, FirstName TEXT, MidName TEXT, LastName TEXT,
	Email TEXT, Phone TEXT, PRDept TEXT, Job TEXT, udEmpTitle TEXT,
	Sex TEXT, HireDate TIMESTAMP, BirthDate TIMESTAMP, ActiveYN TEXT
);
CREATE TABLE bPRDT (PRDept TEXT, Description TEXT, udRegion TEXT);
CREATE TABLE bJCJM (Job TEXT, Description TEXT, udDeptCode TEXT, JobStatus INTEGER);`

// newTestDeps builds a full dependency set over an empty source and a
// stub target, so every syncer opens and closes a session without
// writing anything but the root cluster.
func newTestDeps(t *testing.T) (*syncer.Deps, *events.Recorder, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	m := metrics.New()
	store, err := cache.New(cache.Config{
		Redis: rdb, Dir: t.TempDir(), DefaultTTL: time.Hour,
		RefreshInterval: time.Hour, Logger: testLogger(), Metrics: m,
	})
	require.NoError(t, err)
	rec, err := events.New(events.Config{OutputDir: t.TempDir(), Metrics: m, Logger: testLogger()})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": 1, "name": "I&I"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	sa, err := safetyamp.New(safetyamp.Config{
		BaseURL: srv.URL, Token: "tok", FQDN: "test.example.com",
		Logger: testLogger(), Metrics: m,
	})
	require.NoError(t, err)
	sam, err := samsara.New(samsara.Config{BaseURL: srv.URL, APIKey: "key", Logger: testLogger(), Metrics: m})
	require.NoError(t, err)

	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "vista.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(emptySchema)
	require.NoError(t, err)

	deps := &syncer.Deps{
		Vista:     vista.NewReader(vista.Config{DB: db, RefreshInterval: time.Minute, Logger: testLogger()}),
		SafetyAmp: sa,
		Samsara:   sam,
		Cache:     store,
		Failures:  failtrack.New(failtrack.Config{Redis: rdb, TTL: time.Hour, Enabled: true, Logger: testLogger()}),
		Events:    rec,
		Metrics:   m,
		Logger:    testLogger(),
	}
	return deps, rec, rdb
}

func newTestOrchestrator(t *testing.T, interval time.Duration) (*Orchestrator, *events.Recorder) {
	t.Helper()
	deps, rec, rdb := newTestDeps(t)
	o := New(Config{
		Deps:     deps,
		Redis:    rdb,
		Interval: interval,
		CoolDown: 10 * time.Millisecond,
		Logger:   testLogger(),
	})
	return o, rec
}

func stop(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Stop(ctx)
}

func TestRunsFullSetAndRecordsLastSync(t *testing.T) {
	o, rec := newTestOrchestrator(t, time.Hour)
	o.Start(context.Background())
	defer stop(t, o)

	require.Eventually(t, func() bool {
		_, ok := o.LastSync()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	sessions, err := rec.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 5)

	// Newest first; the set runs departments through employees.
	types := make([]string, 0, 5)
	for i := len(sessions) - 1; i >= 0; i-- {
		types = append(types, sessions[i].SyncType)
	}
	assert.Equal(t, []string{"departments", "jobs", "titles", "vehicles", "employees"}, types)
}

func TestPauseFlagBlocksSyncing(t *testing.T) {
	o, rec := newTestOrchestrator(t, 20*time.Millisecond)
	require.NoError(t, o.SetPaused(context.Background(), true, "ops@example.com"))

	o.Start(context.Background())
	defer stop(t, o)

	time.Sleep(150 * time.Millisecond)
	sessions, err := rec.RecentSessions(10)
	require.NoError(t, err)
	assert.Empty(t, sessions, "paused worker must not open sessions")

	state := o.PauseState(context.Background())
	assert.True(t, state.Paused)
	assert.Equal(t, "ops@example.com", state.PausedBy)
	assert.False(t, state.PausedAt.IsZero())

	// Unpausing lets the next iteration proceed.
	require.NoError(t, o.SetPaused(context.Background(), false, "ops@example.com"))
	require.Eventually(t, func() bool {
		_, ok := o.LastSync()
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, o.PauseState(context.Background()).Paused)
}

func TestManualTriggerRunsOneSyncer(t *testing.T) {
	o, rec := newTestOrchestrator(t, time.Hour)
	o.Start(context.Background())
	defer stop(t, o)

	require.Eventually(t, func() bool {
		_, ok := o.LastSync()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, o.Trigger(model.SyncTitles))
	require.Eventually(t, func() bool {
		sessions, err := rec.RecentSessions(1)
		return err == nil && len(sessions) == 1 && sessions[0].SyncType == "titles"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTriggerValidatesAndDedupes(t *testing.T) {
	o, _ := newTestOrchestrator(t, time.Hour)

	require.Error(t, o.Trigger(model.SyncType("bogus")))

	require.NoError(t, o.Trigger(model.SyncTitles))
	require.NoError(t, o.Trigger(model.SyncTitles))
	assert.Len(t, o.triggers, 1, "repeat trigger for a queued type is dropped")

	require.NoError(t, o.Trigger(model.SyncJobs))
	assert.Len(t, o.triggers, 2)
}

func TestStopDrainsInFlightWork(t *testing.T) {
	o, _ := newTestOrchestrator(t, time.Hour)
	o.Start(context.Background())

	require.Eventually(t, func() bool {
		_, ok := o.LastSync()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	done := make(chan struct{})
	go func() {
		stop(t, o)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, o.Running())
}

func TestPauseStateDefaultsUnpaused(t *testing.T) {
	o, _ := newTestOrchestrator(t, time.Hour)

	state := o.PauseState(context.Background())
	assert.False(t, state.Paused)
	assert.Empty(t, state.PausedBy)
}
