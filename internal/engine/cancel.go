package engine

import (
	"context"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"runengine/internal/actions"
	"runengine/internal/models"
	"runengine/internal/store"
)

// CanceledErrorKind is recorded on runs finished through CancelRun
const CanceledErrorKind = "RUN_CANCELED"

// cancelGraceFactor scales the heartbeat interval into the window a running
// executor gets to wind down before the cancel is forced
const cancelGraceFactor = 2

// CancelRun requests cancellation. Runs that are not executing finish as
// CANCELED immediately. Executing runs get a PENDING_CANCEL snapshot, which
// the executor observes through its next heartbeat; a delayed cancelRun
// action forces the terminal transition if the executor never reacts.
// Canceling a finished run is a no-op.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) (*models.TaskRun, error) {
	var run *models.TaskRun
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		var err error
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return nil
		}

		if !run.Status.IsExecuting() {
			// Nothing is running on an executor; cancel outright
			return e.finishRun(ctx, run,
				[]models.RunStatus{
					models.RunStatusPendingVersion,
					models.RunStatusDelayed,
					models.RunStatusQueued,
					models.RunStatusSuspended,
				},
				models.RunStatusCanceled, store.RunMutation{
					ErrorKind:    null.StringFrom(CanceledErrorKind),
					ErrorMessage: null.NewString(reason, reason != ""),
					CompletedAt:  null.TimeFrom(time.Now()),
				})
		}

		latest, err := e.store.LatestSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if latest.Status == models.SnapshotStatusPendingCancel {
			// Cancel already requested; don't stack grace windows
			return nil
		}

		if _, err := e.newSnapshot(ctx, run, models.SnapshotStatusPendingCancel,
			"Cancellation requested", snapshotOpts{}); err != nil {
			return err
		}

		_, err = e.queue.Enqueue(ctx, actions.KindCancelRun, actions.CancelRunPayload{
			RunID:  runID,
			Reason: reason,
		}, time.Now().Add(cancelGraceFactor*e.cfg.HeartbeatInterval))
		if err != nil {
			return err
		}

		log.Info().
			Str("run_id", runID).
			Str("reason", reason).
			Msg("Cancellation requested, waiting for executor")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// forceCancelRun finishes an executing run as CANCELED after the grace
// window lapsed without the executor winding down
func (e *Engine) forceCancelRun(ctx context.Context, runID, reason string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return nil
		}

		log.Warn().
			Str("run_id", runID).
			Str("status", string(run.Status)).
			Msg("Executor did not wind down, forcing cancel")
		return e.finishRun(ctx, run,
			[]models.RunStatus{
				models.RunStatusExecuting,
				models.RunStatusExecutingWithWaitpoints,
				models.RunStatusSuspended,
				models.RunStatusQueued,
			},
			models.RunStatusCanceled, store.RunMutation{
				ErrorKind:    null.StringFrom(CanceledErrorKind),
				ErrorMessage: null.NewString(reason, reason != ""),
				CompletedAt:  null.TimeFrom(time.Now()),
			})
	})
}

// expireRun finishes a run as EXPIRED if it has not started executing by
// its TTL. Runs that started, finished or suspended in time are untouched.
func (e *Engine) expireRun(ctx context.Context, runID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() || run.StartedAt.Valid {
			return nil
		}

		switch run.Status {
		case models.RunStatusPendingVersion, models.RunStatusDelayed, models.RunStatusQueued:
		default:
			return nil
		}

		return e.finishRun(ctx, run,
			[]models.RunStatus{
				models.RunStatusPendingVersion,
				models.RunStatusDelayed,
				models.RunStatusQueued,
			},
			models.RunStatusExpired, store.RunMutation{
				ErrorKind:    null.StringFrom("RUN_EXPIRED"),
				ErrorMessage: null.StringFrom("run did not start before its TTL"),
				CompletedAt:  null.TimeFrom(time.Now()),
			})
	})
}
