// Package syncer holds the per-entity sync pipelines. Every syncer
// follows the same contract: load reference maps through the cache
// store, open a change session, walk the source rows one at a time
// (transform, validate, consult the failure tracker, diff, write),
// and close the session with a summary. Per-row errors are recovered
// locally; a run aborts early only on shutdown or when the
// consecutive-error safety stop trips.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ii-safety/ampsync/internal/cache"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/failtrack"
	"github.com/ii-safety/ampsync/internal/httpx"
	"github.com/ii-safety/ampsync/internal/metrics"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/msgraph"
	"github.com/ii-safety/ampsync/internal/safetyamp"
	"github.com/ii-safety/ampsync/internal/samsara"
	"github.com/ii-safety/ampsync/internal/vista"
)

// ErrSafetyStop is returned when a run aborts after too many
// consecutive per-entity errors.
var ErrSafetyStop = errors.New("syncer: safety stop: too many consecutive errors")

const (
	defaultMaxConsecutiveErrors = 10
	defaultVehicleSiteID        = 5145
	defaultVehicleAssetTypeID   = 3183
)

// Syncer is one entity pipeline.
type Syncer interface {
	Type() model.SyncType
	Sync(ctx context.Context) (*Result, error)
}

// Result summarizes one run.
type Result struct {
	SyncType  model.SyncType `json:"sync_type"`
	SessionID string         `json:"session_id"`
	Processed int            `json:"processed"`
	Created   int            `json:"created"`
	Updated   int            `json:"updated"`
	Deleted   int            `json:"deleted"`
	Skipped   int            `json:"skipped"`
	Errors    int            `json:"errors"`
	Duration  float64        `json:"duration_seconds"`
}

// Deps carries the shared handles every syncer needs. Construct once
// in main and share; syncers hold no other state.
type Deps struct {
	Vista     *vista.Reader
	SafetyAmp *safetyamp.Client
	Samsara   *samsara.Client
	Graph     *msgraph.Client
	Cache     *cache.Store
	Failures  *failtrack.Tracker
	Events    *events.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// MaxConsecutiveErrors trips the safety stop. Zero means the default.
	MaxConsecutiveErrors int

	// VehicleSiteID and VehicleAssetTypeID override site and type on
	// every synced vehicle asset. Zero means the service defaults.
	VehicleSiteID      int
	VehicleAssetTypeID int
}

func (d *Deps) normalize() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxConsecutiveErrors <= 0 {
		d.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if d.VehicleSiteID == 0 {
		d.VehicleSiteID = defaultVehicleSiteID
	}
	if d.VehicleAssetTypeID == 0 {
		d.VehicleAssetTypeID = defaultVehicleAssetTypeID
	}
}

// All builds the full ordered syncer set. Order matters: employees
// depend on clusters, sites and titles being current, so they run last.
func All(deps *Deps) []Syncer {
	return []Syncer{
		NewDepartmentSyncer(deps),
		NewJobSyncer(deps),
		NewTitleSyncer(deps),
		NewVehicleSyncer(deps),
		NewEmployeeSyncer(deps),
	}
}

// ByType returns the syncer for one sync type, or nil for SyncAll and
// unknown values.
func ByType(deps *Deps, st model.SyncType) Syncer {
	switch st {
	case model.SyncEmployees:
		return NewEmployeeSyncer(deps)
	case model.SyncVehicles:
		return NewVehicleSyncer(deps)
	case model.SyncDepartments:
		return NewDepartmentSyncer(deps)
	case model.SyncJobs:
		return NewJobSyncer(deps)
	case model.SyncTitles:
		return NewTitleSyncer(deps)
	}
	return nil
}

// run tracks one session's progress and the safety-stop counter.
type run struct {
	deps        *Deps
	syncType    model.SyncType
	sessionID   string
	started     time.Time
	processed   int
	consecutive int
	wrote       bool
}

func begin(deps *Deps, st model.SyncType) (*run, error) {
	deps.normalize()
	id, err := deps.Events.StartSession(string(st))
	if err != nil {
		return nil, fmt.Errorf("syncer: start %s: %w", st, err)
	}
	deps.Metrics.SyncStarted()
	deps.Metrics.SetConsecutiveErrors(string(st), 0)
	deps.Logger.Info("sync started", "sync_type", st, "session_id", id)
	return &run{deps: deps, syncType: st, sessionID: id, started: time.Now()}, nil
}

// finish ends the session and folds its summary into the Result.
// runErr passes through so callers can `return r.finish(err)`.
func (r *run) finish(runErr error) (*Result, error) {
	sess, endErr := r.deps.Events.EndSession()
	r.deps.Metrics.SyncFinished()

	status := "success"
	if runErr != nil {
		status = "error"
	}
	r.deps.Metrics.ObserveSyncRun(string(r.syncType), status, time.Since(r.started))

	res := &Result{SyncType: r.syncType, SessionID: r.sessionID, Processed: r.processed}
	if endErr != nil {
		r.deps.Logger.Error("sync session close failed", "sync_type", r.syncType, "error", endErr)
		if runErr == nil {
			runErr = endErr
		}
		return res, runErr
	}
	res.Created = sess.Summary.Created
	res.Updated = sess.Summary.Updated
	res.Deleted = sess.Summary.Deleted
	res.Skipped = sess.Summary.Skipped
	res.Errors = sess.Summary.Errors
	res.Duration = sess.Summary.DurationSeconds
	r.deps.Logger.Info("sync finished",
		"sync_type", r.syncType,
		"session_id", r.sessionID,
		"processed", res.Processed,
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"errors", res.Errors)
	return res, runErr
}

// row marks one source row as examined.
func (r *run) row() { r.processed++ }

// ok resets the safety-stop counter after a successful write or no-op.
func (r *run) ok() {
	r.consecutive = 0
	r.deps.Metrics.SetConsecutiveErrors(string(r.syncType), 0)
}

// fail records one per-entity error and trips the safety stop when the
// threshold is reached. The returned error is nil or ErrSafetyStop.
func (r *run) fail(entityType model.EntityType, entityID, operation string, payload map[string]any, err error) error {
	r.deps.Events.RecordError(string(entityType), entityID, operation, classify(err)+": "+err.Error(), payload)
	r.consecutive++
	r.deps.Metrics.SetConsecutiveErrors(string(r.syncType), r.consecutive)
	if r.consecutive >= r.deps.MaxConsecutiveErrors {
		r.deps.Events.RecordError(string(entityType), "", "safety_stop",
			fmt.Sprintf("aborting %s sync after %d consecutive errors", r.syncType, r.consecutive), nil)
		r.deps.Logger.Error("safety stop tripped", "sync_type", r.syncType, "consecutive", r.consecutive)
		return ErrSafetyStop
	}
	return nil
}

// interrupted reports whether shutdown cancelled the run; syncers poll
// it between rows so an in-flight session still closes cleanly.
func (r *run) interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.deps.Logger.Info("sync interrupted", "sync_type", r.syncType, "session_id", r.sessionID)
	return true
}

// classify buckets an error for event messages, matching the error
// taxonomy the dashboard's suggestion engine groups on.
func classify(err error) string {
	switch code := httpx.StatusCode(err); {
	case isValidationError(err), code == 422:
		return "validation_error"
	case code == 429:
		return "rate_limit"
	case code > 0:
		return "http_error"
	case httpx.IsNetworkError(err):
		return "network_error"
	default:
		return "unexpected_error"
	}
}

// asMap renders a payload struct as the loose map the event log stores.
func asMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
