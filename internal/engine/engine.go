// Package engine implements the run state machine: the distributed owner of
// a task run from creation to terminal status. Every state transition runs
// under the per-run lock and appends exactly one immutable snapshot.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"runengine/internal/actions"
	"runengine/internal/locker"
	"runengine/internal/metrics"
	"runengine/internal/models"
	"runengine/internal/runqueue"
	"runengine/internal/store"
	"runengine/internal/waitpoint"
)

var (
	// ErrSnapshotStale is an optimistic-concurrency conflict: the supplied
	// snapshot is no longer the run's current snapshot. Retryable; the
	// caller should refetch and retry.
	ErrSnapshotStale = errors.New("snapshot is no longer current")

	// ErrRunFinal is returned by attempt operations that need a live run.
	// Mutating operations treat terminal runs as no-ops instead.
	ErrRunFinal = errors.New("run already reached a terminal status")
)

// Config carries the engine policy knobs
type Config struct {
	// HeartbeatInterval is how often executors must report liveness; a
	// snapshot without a heartbeat for twice this interval is considered
	// crashed
	HeartbeatInterval time.Duration
	// SuspendThreshold is the wait duration below which an executor is told
	// to idle in-process instead of checkpointing (default 30s)
	SuspendThreshold time.Duration
	// MaxAttemptsDefault applies to trigger requests that do not set a
	// budget
	MaxAttemptsDefault int
	// QueueConcurrencyLimit caps concurrently executing runs per
	// environment/queue pair
	QueueConcurrencyLimit int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.SuspendThreshold <= 0 {
		c.SuspendThreshold = 30 * time.Second
	}
	if c.MaxAttemptsDefault <= 0 {
		c.MaxAttemptsDefault = 3
	}
	if c.QueueConcurrencyLimit <= 0 {
		c.QueueConcurrencyLimit = 100
	}
}

// Engine owns run state. All collaborators are injected; multiple engines
// may coexist in one process (tests do exactly that).
type Engine struct {
	store      store.Store
	locker     *locker.Locker
	queue      *actions.Queue
	runQueue   *runqueue.Queue
	waitpoints *waitpoint.Manager
	kv         *redis.Client
	cfg        Config
}

// New creates an engine
func New(s store.Store, l *locker.Locker, q *actions.Queue, rq *runqueue.Queue, wm *waitpoint.Manager, kv *redis.Client, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:      s,
		locker:     l,
		queue:      q,
		runQueue:   rq,
		waitpoints: wm,
		kv:         kv,
		cfg:        cfg,
	}
}

// Waitpoints exposes the waitpoint manager the engine was built with
func (e *Engine) Waitpoints() *waitpoint.Manager {
	return e.waitpoints
}

// Queue exposes the action queue so a worker can be started on the
// engine's catalog
func (e *Engine) Queue() *actions.Queue {
	return e.queue
}

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// withRunLock serializes a state transition for one run
func (e *Engine) withRunLock(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	return e.locker.WithLock(ctx, []string{runID}, 0, fn)
}

type snapshotOpts struct {
	checkpointID null.String
	workerID     null.String
}

// newSnapshot appends the snapshot that records a transition and, for
// executor-owned statuses, schedules the heartbeat watchdog for it
func (e *Engine) newSnapshot(ctx context.Context, run *models.TaskRun, status models.SnapshotStatus, description string, opts snapshotOpts) (*models.RunSnapshot, error) {
	snap := &models.RunSnapshot{
		ID:            uuid.New().String(),
		FriendlyID:    models.FriendlyID("snapshot"),
		RunID:         run.ID,
		RunStatus:     run.Status,
		Status:        status,
		Description:   description,
		CheckpointID:  opts.checkpointID,
		WorkerID:      opts.workerID,
		AttemptNumber: run.AttemptNumber,
		CreatedAt:     time.Now(),
	}

	if err := e.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	metrics.RunTransitions.WithLabelValues(string(status)).Inc()

	switch status {
	case models.SnapshotStatusPendingExecuting,
		models.SnapshotStatusExecuting,
		models.SnapshotStatusExecutingWithWaitpoint,
		models.SnapshotStatusPendingCancel:
		// Executor-owned snapshots get a liveness watchdog. The handler is a
		// no-op if this snapshot has been superseded by the time it fires.
		if _, err := e.queue.Enqueue(ctx, actions.KindHeartbeatSnapshot, actions.HeartbeatSnapshotPayload{
			RunID:      run.ID,
			SnapshotID: snap.ID,
		}, time.Now().Add(2*e.cfg.HeartbeatInterval)); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("snapshot_id", snap.ID).
		Str("status", string(status)).
		Str("description", description).
		Msg("Run snapshot created")
	return snap, nil
}

// currentSnapshotMatches resolves the run's latest snapshot and compares it
// to the friendly id the executor supplied
func (e *Engine) currentSnapshotMatches(ctx context.Context, runID, snapshotFriendlyID string) (*models.RunSnapshot, error) {
	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	if latest.FriendlyID != snapshotFriendlyID {
		return nil, ErrSnapshotStale
	}
	return latest, nil
}

// slotHolding reports whether a run whose latest snapshot has this status
// is holding a queue concurrency slot. Suspended and requeued runs gave
// theirs back already.
func slotHolding(status models.SnapshotStatus) bool {
	switch status {
	case models.SnapshotStatusPendingExecuting,
		models.SnapshotStatusExecuting,
		models.SnapshotStatusExecutingWithWaitpoint,
		models.SnapshotStatusPendingCancel:
		return true
	}
	return false
}

// finalizeRun runs the side effects of a terminal transition: completing
// run-associated waitpoints, scheduling batch completion, and freeing the
// queue concurrency slot. prior is the snapshot status the run finished
// from. Must be called under the run lock with the run already in its
// terminal status.
func (e *Engine) finalizeRun(ctx context.Context, run *models.TaskRun, prior models.SnapshotStatus) error {
	metrics.RunsCompleted.WithLabelValues(string(run.Status)).Inc()

	// Sub-run waitpoints resolve when their run finishes
	wps, err := e.store.WaitpointsCompletedByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, wp := range wps {
		if _, err := e.waitpoints.CompleteWaitpoint(ctx, wp.ID, run.Output, run.ErrorKind, run.ErrorMessage); err != nil {
			return err
		}
	}

	if run.BatchID.Valid {
		if _, err := e.queue.Enqueue(ctx, actions.KindTryCompleteBatch, actions.TryCompleteBatchPayload{
			BatchID: run.BatchID.String,
		}, time.Time{}); err != nil {
			return err
		}
	}

	if slotHolding(prior) {
		if err := e.runQueue.Release(ctx, run.EnvironmentID, run.Queue); err != nil {
			log.Error().
				Err(err).
				Str("run_id", run.ID).
				Msg("Could not release run queue concurrency slot")
		}
	}

	log.Info().
		Str("run_id", run.ID).
		Str("run_friendly_id", run.FriendlyID).
		Str("status", string(run.Status)).
		Msg("Run finished")
	return nil
}
