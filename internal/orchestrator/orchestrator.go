// Package orchestrator owns the sync loop: one long-lived worker that
// runs the ordered syncer set on an interval, honors the Redis pause
// flag, serves manual trigger requests from a bounded queue, and
// drains cleanly on shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ii-safety/ampsync/internal/ctxutil"
	"github.com/ii-safety/ampsync/internal/events"
	"github.com/ii-safety/ampsync/internal/model"
	"github.com/ii-safety/ampsync/internal/syncer"
)

var tracer = otel.Tracer("ampsync/orchestrator")

const (
	pauseKey     = "safetyamp:sync:paused"
	pauseMetaKey = "safetyamp:sync:paused:metadata"

	// triggerCap bounds the manual trigger queue; with dedupe the queue
	// can never legitimately exceed the number of sync types.
	triggerCap = 32

	pausePoll = time.Second
)

// ErrQueueFull is returned by Trigger when the queue is saturated.
var ErrQueueFull = errors.New("orchestrator: trigger queue full")

// PauseState is the pause flag plus who set it and when.
type PauseState struct {
	Paused   bool      `json:"paused"`
	PausedBy string    `json:"paused_by,omitempty"`
	PausedAt time.Time `json:"paused_at,omitempty"`
}

// Config wires the Orchestrator.
type Config struct {
	Deps     *syncer.Deps
	Redis    *redis.Client
	Interval time.Duration
	// CoolDown is the sleep after a worker-level failure. Zero means
	// one minute.
	CoolDown time.Duration
	Logger   *slog.Logger
}

// Orchestrator runs the sync worker.
type Orchestrator struct {
	deps     *syncer.Deps
	redis    *redis.Client
	interval time.Duration
	coolDown time.Duration
	logger   *slog.Logger

	triggers chan model.SyncType
	mu       sync.Mutex
	queued   map[model.SyncType]bool

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}

	running atomic.Bool
	lastRun atomic.Value // time.Time

	now func() time.Time
}

// New builds an Orchestrator. It does not start the loop.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = time.Minute
	}
	return &Orchestrator{
		deps:     cfg.Deps,
		redis:    cfg.Redis,
		interval: cfg.Interval,
		coolDown: cfg.CoolDown,
		logger:   cfg.Logger,
		triggers: make(chan model.SyncType, triggerCap),
		queued:   make(map[model.SyncType]bool),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the worker loop. Safe to call once.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		o.logger.Warn("orchestrator: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancelLoop = cancel
	go o.loop(loopCtx)
	o.logger.Info("sync worker started", "interval", o.interval.String())
}

// Stop cancels the loop and waits for the in-flight session to close,
// bounded by ctx. Stop without a prior Start is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) {
	if !o.started.Load() {
		return
	}
	if o.cancelLoop != nil {
		o.cancelLoop()
	}
	select {
	case <-o.done:
		o.logger.Info("sync worker stopped")
	case <-ctx.Done():
		o.logger.Warn("sync worker stop timed out")
	}
}

// Trigger enqueues a manual sync request. A type already waiting in
// the queue is deduplicated; a saturated queue returns ErrQueueFull.
func (o *Orchestrator) Trigger(st model.SyncType) error {
	if !model.ValidSyncType(st) {
		return fmt.Errorf("orchestrator: unknown sync type %q", st)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queued[st] {
		return nil
	}
	select {
	case o.triggers <- st:
		o.queued[st] = true
		o.logger.Info("manual sync queued", "sync_type", st)
		return nil
	default:
		return ErrQueueFull
	}
}

func (o *Orchestrator) dequeued(st model.SyncType) {
	o.mu.Lock()
	delete(o.queued, st)
	o.mu.Unlock()
}

// Running reports whether a sync session is in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// LastSync returns when the last full set completed.
func (o *Orchestrator) LastSync() (time.Time, bool) {
	v, ok := o.lastRun.Load().(time.Time)
	return v, ok
}

// PauseState reads the pause flag and its metadata fresh from Redis.
// A Redis outage reads as not paused; the flag is advisory.
func (o *Orchestrator) PauseState(ctx context.Context) PauseState {
	state := PauseState{}
	val, err := o.redis.Get(ctx, pauseKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			o.logger.Warn("pause flag read failed", "error", err)
		}
		return state
	}
	state.Paused = val == "1"
	if raw, err := o.redis.Get(ctx, pauseMetaKey).Bytes(); err == nil {
		var meta struct {
			PausedBy string    `json:"paused_by"`
			PausedAt time.Time `json:"paused_at"`
		}
		if json.Unmarshal(raw, &meta) == nil {
			state.PausedBy = meta.PausedBy
			state.PausedAt = meta.PausedAt
		}
	}
	return state
}

// SetPaused writes the pause flag and records who flipped it.
func (o *Orchestrator) SetPaused(ctx context.Context, paused bool, by string) error {
	val := "0"
	if paused {
		val = "1"
	}
	if err := o.redis.Set(ctx, pauseKey, val, 0).Err(); err != nil {
		return fmt.Errorf("orchestrator: set pause flag: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{
		"paused_by": by,
		"paused_at": o.now().UTC(),
	})
	if err := o.redis.Set(ctx, pauseMetaKey, meta, 0).Err(); err != nil {
		return fmt.Errorf("orchestrator: set pause metadata: %w", err)
	}
	o.logger.Info("sync pause flag changed", "paused", paused, "by", by)
	return nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	for {
		if ctx.Err() != nil {
			return
		}

		if o.PauseState(ctx).Paused {
			sleepCtx(ctx, o.tick())
			continue
		}

		select {
		case st := <-o.triggers:
			o.dequeued(st)
			o.runGuarded(ctx, st)
			continue
		default:
		}

		o.runGuarded(ctx, model.SyncAll)
		o.waitInterval(ctx)
	}
}

// runGuarded runs one sync request with panic containment. A panic is
// logged as a worker error, the orphaned session is closed so the next
// run can open its own, and the loop cools down before resuming.
func (o *Orchestrator) runGuarded(ctx context.Context, st model.SyncType) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("sync worker panic", "sync_type", st, "panic", rec)
			o.deps.Events.LogError(events.ErrorEntry{
				Kind:    "sync_worker_error",
				Message: fmt.Sprintf("sync worker panic: %v", rec),
				Source:  string(st),
				Details: map[string]any{"stack": string(debug.Stack())},
			})
			if _, err := o.deps.Events.EndSession(); err == nil {
				o.logger.Warn("closed orphaned sync session after panic")
			}
			sleepCtx(ctx, o.coolDown)
		}
	}()

	if st == model.SyncAll {
		o.runAll(ctx)
		return
	}
	if s := syncer.ByType(o.deps, st); s != nil {
		o.runSyncer(ctx, s)
	}
}

// runAll runs the full ordered set. Order matters: employees need the
// clusters, sites and titles the earlier syncers maintain.
func (o *Orchestrator) runAll(ctx context.Context) {
	for _, s := range syncer.All(o.deps) {
		if ctx.Err() != nil {
			return
		}
		o.runSyncer(ctx, s)
	}
	o.lastRun.Store(o.now())
}

func (o *Orchestrator) runSyncer(ctx context.Context, s syncer.Syncer) {
	o.running.Store(true)
	defer o.running.Store(false)

	runCtx := ctxutil.WithCorrelationID(ctx, "sync-"+uuid.NewString()[:8])
	runCtx, span := tracer.Start(runCtx, "sync."+string(s.Type()),
		trace.WithAttributes(attribute.String("sync.type", string(s.Type()))))
	defer span.End()

	res, err := s.Sync(runCtx)
	if res != nil {
		span.SetAttributes(
			attribute.Int("sync.created", res.Created),
			attribute.Int("sync.updated", res.Updated),
			attribute.Int("sync.skipped", res.Skipped),
			attribute.Int("sync.errors", res.Errors),
		)
	}
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled):
		// Shutdown closed the session mid-run; nothing to report.
	case errors.Is(err, syncer.ErrSafetyStop):
		// Already recorded inside the session; move on to the next type.
		span.SetStatus(codes.Error, "safety stop")
		o.logger.Error("sync aborted by safety stop", "sync_type", s.Type())
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync worker error")
		o.deps.Events.LogError(events.ErrorEntry{
			Kind:    "sync_worker_error",
			Message: err.Error(),
			Source:  string(s.Type()),
		})
		if res != nil {
			o.logger.Error("sync failed", "sync_type", s.Type(), "session_id", res.SessionID, "error", err)
		} else {
			o.logger.Error("sync failed before session opened", "sync_type", s.Type(), "error", err)
		}
		sleepCtx(ctx, o.coolDown)
	}
}

// waitInterval sleeps between cycles in one-second ticks so shutdown
// and trigger wakes stay responsive.
func (o *Orchestrator) waitInterval(ctx context.Context) {
	deadline := o.now().Add(o.interval)
	for o.now().Before(deadline) {
		if len(o.triggers) > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.tick()):
		}
	}
}

// tick is the poll granularity for pause checks and interval sleeps;
// never longer than the interval itself.
func (o *Orchestrator) tick() time.Duration {
	if o.interval < pausePoll {
		return o.interval
	}
	return pausePoll
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
