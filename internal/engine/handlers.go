package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"runengine/internal/actions"
	"runengine/internal/models"
	"runengine/internal/store"
)

// pendingVersionPageSize bounds one queueRunsPendingVersion delivery; a full
// page re-enqueues the action so progress survives worker restarts
const pendingVersionPageSize = 100

// Catalog builds the background action catalog backed by this engine. Every
// handler is idempotent: at-least-once delivery and visibility-timeout
// redelivery are handled by re-checking state under the run lock.
func (e *Engine) Catalog() actions.Catalog {
	const visibility = 30 * time.Second
	return actions.Catalog{
		actions.KindFinishWaitpoint:         {VisibilityTimeout: visibility, Handler: e.handleFinishWaitpoint},
		actions.KindHeartbeatSnapshot:       {VisibilityTimeout: visibility, Handler: e.handleHeartbeatSnapshot},
		actions.KindExpireRun:               {VisibilityTimeout: visibility, Handler: e.handleExpireRun},
		actions.KindCancelRun:               {VisibilityTimeout: visibility, Handler: e.handleCancelRun},
		actions.KindQueueRunsPendingVersion: {VisibilityTimeout: 2 * time.Minute, Handler: e.handleQueueRunsPendingVersion},
		actions.KindTryCompleteBatch:        {VisibilityTimeout: visibility, Handler: e.handleTryCompleteBatch},
		actions.KindContinueRunIfUnblocked:  {VisibilityTimeout: visibility, Handler: e.handleContinueRunIfUnblocked},
		actions.KindEnqueueDelayedRun:       {VisibilityTimeout: visibility, Handler: e.handleEnqueueDelayedRun},
	}
}

func (e *Engine) handleFinishWaitpoint(ctx context.Context, payload json.RawMessage) error {
	var p actions.FinishWaitpointPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}

	_, err := e.waitpoints.CompleteWaitpoint(ctx, p.WaitpointID,
		null.String{},
		null.NewString(p.ErrorKind, p.ErrorKind != ""),
		null.NewString(p.ErrorMessage, p.ErrorMessage != ""))
	if errors.Is(err, store.ErrNotFound) {
		// The waitpoint row is gone; retrying cannot help
		return &actions.ValidationError{Err: err}
	}
	return err
}

// handleHeartbeatSnapshot is the liveness watchdog for one executor-owned
// snapshot. If the snapshot is still current and the executor has gone
// silent past the deadline, the run is taken away from it.
func (e *Engine) handleHeartbeatSnapshot(ctx context.Context, payload json.RawMessage) error {
	var p actions.HeartbeatSnapshotPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}

	return e.withRunLock(ctx, p.RunID, func(ctx context.Context) error {
		latest, err := e.store.LatestSnapshot(ctx, p.RunID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &actions.ValidationError{Err: err}
			}
			return err
		}
		if latest.ID != p.SnapshotID {
			// Superseded; the newer snapshot has its own watchdog
			return nil
		}

		lastHB, err := e.lastHeartbeat(ctx, p.RunID, latest)
		if err != nil {
			return err
		}
		deadline := lastHB.Add(2 * e.cfg.HeartbeatInterval)
		if time.Now().Before(deadline) {
			// Executor is alive; check again after the deadline
			_, err := e.queue.Enqueue(ctx, actions.KindHeartbeatSnapshot, p, deadline)
			return err
		}

		run, err := e.store.GetRun(ctx, p.RunID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return nil
		}

		log.Warn().
			Str("run_id", p.RunID).
			Str("snapshot_status", string(latest.Status)).
			Time("last_heartbeat", lastHB).
			Msg("Executor went silent")

		switch latest.Status {
		case models.SnapshotStatusPendingCancel:
			// The executor never wound down; finish the cancel for it
			return e.finishRun(ctx, run, nonTerminalStatuses(), models.RunStatusCanceled, store.RunMutation{
				ErrorKind:    null.StringFrom(CanceledErrorKind),
				ErrorMessage: null.StringFrom("executor did not respond to cancellation"),
				CompletedAt:  null.TimeFrom(time.Now()),
			})

		case models.SnapshotStatusPendingExecuting:
			// Dequeued but never started; put the run back for another
			// executor
			return e.requeueFromDeadExecutor(ctx, run, []models.RunStatus{models.RunStatusQueued})

		case models.SnapshotStatusExecuting, models.SnapshotStatusExecutingWithWaitpoint:
			executing := []models.RunStatus{models.RunStatusExecuting, models.RunStatusExecutingWithWaitpoints}
			if run.AttemptNumber < run.MaxAttempts {
				return e.requeueFromDeadExecutor(ctx, run, executing)
			}
			return e.finishRun(ctx, run, executing, models.RunStatusCrashed, store.RunMutation{
				ErrorKind:    null.StringFrom("EXECUTOR_CRASHED"),
				ErrorMessage: null.StringFrom("executor stopped heartbeating and the attempt budget is exhausted"),
				CompletedAt:  null.TimeFrom(time.Now()),
			})

		default:
			return nil
		}
	})
}

// requeueFromDeadExecutor reclaims a run whose executor vanished: the slot
// it held is freed and the run goes back to its queue
func (e *Engine) requeueFromDeadExecutor(ctx context.Context, run *models.TaskRun, from []models.RunStatus) error {
	ok, err := e.store.TransitionRun(ctx, run.ID, from, models.RunStatusQueued,
		store.RunMutation{QueuedAt: null.TimeFrom(time.Now())})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	run.Status = models.RunStatusQueued

	if err := e.runQueue.Release(ctx, run.EnvironmentID, run.Queue); err != nil {
		return err
	}
	return e.enqueueRun(ctx, run)
}

func nonTerminalStatuses() []models.RunStatus {
	return []models.RunStatus{
		models.RunStatusPendingVersion,
		models.RunStatusDelayed,
		models.RunStatusQueued,
		models.RunStatusExecuting,
		models.RunStatusExecutingWithWaitpoints,
		models.RunStatusSuspended,
	}
}

func (e *Engine) handleExpireRun(ctx context.Context, payload json.RawMessage) error {
	var p actions.ExpireRunPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}
	err := e.expireRun(ctx, p.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return &actions.ValidationError{Err: err}
	}
	return err
}

func (e *Engine) handleCancelRun(ctx context.Context, payload json.RawMessage) error {
	var p actions.CancelRunPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}
	err := e.forceCancelRun(ctx, p.RunID, p.Reason)
	if errors.Is(err, store.ErrNotFound) {
		return &actions.ValidationError{Err: err}
	}
	return err
}

// handleQueueRunsPendingVersion activates runs parked on an undeployed task
// version, one page at a time
func (e *Engine) handleQueueRunsPendingVersion(ctx context.Context, payload json.RawMessage) error {
	var p actions.QueueRunsPendingVersionPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}

	runs, err := e.store.ListRunsPendingVersion(ctx, p.EnvironmentID, pendingVersionPageSize)
	if err != nil {
		return err
	}

	for i := range runs {
		run := runs[i]
		err := e.withRunLock(ctx, run.ID, func(ctx context.Context) error {
			ok, err := e.store.TransitionRun(ctx, run.ID,
				[]models.RunStatus{models.RunStatusPendingVersion}, models.RunStatusQueued,
				store.RunMutation{QueuedAt: null.TimeFrom(time.Now())})
			if err != nil || !ok {
				return err
			}
			run.Status = models.RunStatusQueued
			return e.enqueueRun(ctx, &run)
		})
		if err != nil {
			return err
		}
	}

	if len(runs) == pendingVersionPageSize {
		// More may be waiting; pick up the next page in a fresh delivery
		_, err := e.queue.Enqueue(ctx, actions.KindQueueRunsPendingVersion, p, time.Time{})
		return err
	}

	log.Info().
		Str("environment_id", p.EnvironmentID).
		Int("runs", len(runs)).
		Msg("Queued runs pending version")
	return nil
}

func (e *Engine) handleTryCompleteBatch(ctx context.Context, payload json.RawMessage) error {
	var p actions.TryCompleteBatchPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}

	done, err := e.store.CompleteBatchIfDone(ctx, p.BatchID, time.Now())
	if err != nil {
		return err
	}
	if done {
		log.Info().Str("batch_id", p.BatchID).Msg("Batch completed")
	}
	return nil
}

func (e *Engine) handleContinueRunIfUnblocked(ctx context.Context, payload json.RawMessage) error {
	var p actions.ContinueRunIfUnblockedPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}
	err := e.ContinueRunExecution(ctx, p.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return &actions.ValidationError{Err: err}
	}
	return err
}

func (e *Engine) handleEnqueueDelayedRun(ctx context.Context, payload json.RawMessage) error {
	var p actions.EnqueueDelayedRunPayload
	if err := actions.Validate(payload, &p); err != nil {
		return err
	}

	return e.withRunLock(ctx, p.RunID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, p.RunID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &actions.ValidationError{Err: err}
			}
			return err
		}
		if run.Status != models.RunStatusDelayed {
			return nil
		}

		ok, err := e.store.TransitionRun(ctx, p.RunID,
			[]models.RunStatus{models.RunStatusDelayed}, models.RunStatusQueued,
			store.RunMutation{QueuedAt: null.TimeFrom(time.Now())})
		if err != nil || !ok {
			return err
		}
		run.Status = models.RunStatusQueued
		return e.enqueueRun(ctx, run)
	})
}

// QueueRunsPendingVersion schedules activation of every PENDING_VERSION run
// in the environment, typically right after a deploy lands
func (e *Engine) QueueRunsPendingVersion(ctx context.Context, environmentID string) error {
	_, err := e.queue.Enqueue(ctx, actions.KindQueueRunsPendingVersion,
		actions.QueueRunsPendingVersionPayload{EnvironmentID: environmentID}, time.Time{})
	return err
}
