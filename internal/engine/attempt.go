package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"runengine/internal/models"
	"runengine/internal/store"
)

// RunTimeoutErrorKind marks attempt failures caused by the task exceeding
// its maximum duration; they finish the run as TIMED_OUT instead of
// COMPLETED_WITH_ERRORS
const RunTimeoutErrorKind = "MAX_DURATION_EXCEEDED"

const heartbeatKeyPrefix = "engine:heartbeat:"

// StartRunAttempt moves a dequeued run into EXECUTING and bumps the attempt
// number. The snapshot friendly id must be the run's current snapshot,
// otherwise ErrSnapshotStale is returned and the executor must refetch.
// warmStart records whether the executor reused an already-provisioned
// environment; the snapshot description carries it for diagnostics.
func (e *Engine) StartRunAttempt(ctx context.Context, runID, snapshotFriendlyID, workerID string, warmStart bool) (*models.TaskRun, *models.RunSnapshot, error) {
	var (
		run  *models.TaskRun
		snap *models.RunSnapshot
	)
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		if _, err := e.currentSnapshotMatches(ctx, runID, snapshotFriendlyID); err != nil {
			return err
		}

		var err error
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return ErrRunFinal
		}

		attempt := run.AttemptNumber + 1
		ok, err := e.store.TransitionRun(ctx, runID,
			[]models.RunStatus{models.RunStatusQueued}, models.RunStatusExecuting,
			store.RunMutation{AttemptNumber: &attempt})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s is %s, cannot start an attempt", runID, run.Status)
		}
		run.Status = models.RunStatusExecuting
		run.AttemptNumber = attempt

		desc := fmt.Sprintf("Attempt %d started", attempt)
		if warmStart {
			desc = fmt.Sprintf("Attempt %d started (warm start)", attempt)
		}
		snap, err = e.newSnapshot(ctx, run, models.SnapshotStatusExecuting, desc,
			snapshotOpts{workerID: null.StringFrom(workerID)})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return run, snap, nil
}

// AttemptResult is the executor's report for one finished attempt
type AttemptResult struct {
	Ok           bool
	Output       null.String
	ErrorKind    null.String
	ErrorMessage null.String
	// Retryable failures go back to the queue while the attempt budget lasts
	Retryable bool
}

// CompleteRunAttempt records an attempt outcome. Success finishes the run;
// a retryable failure with budget left requeues it; anything else finishes
// it with errors. Completing an attempt of a run that already reached a
// terminal status is a no-op and returns the run as-is.
func (e *Engine) CompleteRunAttempt(ctx context.Context, runID, snapshotFriendlyID string, result AttemptResult) (*models.TaskRun, error) {
	var run *models.TaskRun
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		var err error
		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			// Terminal statuses are sinks; a late or duplicate report
			// cannot reopen the run
			return nil
		}
		if _, err := e.currentSnapshotMatches(ctx, runID, snapshotFriendlyID); err != nil {
			return err
		}

		executing := []models.RunStatus{models.RunStatusExecuting, models.RunStatusExecutingWithWaitpoints}

		if result.Ok {
			return e.finishRun(ctx, run, executing, models.RunStatusCompletedSuccessfully, store.RunMutation{
				Output:      result.Output,
				CompletedAt: null.TimeFrom(time.Now()),
			})
		}

		if result.Retryable && run.AttemptNumber < run.MaxAttempts {
			ok, err := e.store.TransitionRun(ctx, runID, executing, models.RunStatusQueued, store.RunMutation{
				ErrorKind:    result.ErrorKind,
				ErrorMessage: result.ErrorMessage,
				QueuedAt:     null.TimeFrom(time.Now()),
			})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("run %s is %s, cannot requeue", runID, run.Status)
			}
			run.Status = models.RunStatusQueued

			// The executor is done with the run; free its slot before it
			// competes for a new one
			if err := e.runQueue.Release(ctx, run.EnvironmentID, run.Queue); err != nil {
				return err
			}
			log.Warn().
				Str("run_id", runID).
				Int("attempt", run.AttemptNumber).
				Int("max_attempts", run.MaxAttempts).
				Str("error_kind", result.ErrorKind.String).
				Msg("Attempt failed, requeueing run")
			return e.enqueueRun(ctx, run)
		}

		target := models.RunStatusCompletedWithErrors
		if result.ErrorKind.String == RunTimeoutErrorKind {
			target = models.RunStatusTimedOut
		}
		return e.finishRun(ctx, run, executing, target, store.RunMutation{
			ErrorKind:    result.ErrorKind,
			ErrorMessage: result.ErrorMessage,
			CompletedAt:  null.TimeFrom(time.Now()),
		})
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// finishRun performs a terminal transition plus its FINISHED snapshot and
// side effects. Must run under the run lock.
func (e *Engine) finishRun(ctx context.Context, run *models.TaskRun, from []models.RunStatus, to models.RunStatus, mut store.RunMutation) error {
	prior, err := e.store.LatestSnapshot(ctx, run.ID)
	if err != nil {
		return err
	}

	ok, err := e.store.TransitionRun(ctx, run.ID, from, to, mut)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s is %s, cannot finish as %s", run.ID, run.Status, to)
	}
	run.Status = to
	run.Output = mut.Output
	run.ErrorKind = mut.ErrorKind
	run.ErrorMessage = mut.ErrorMessage
	run.CompletedAt = mut.CompletedAt

	if _, err := e.newSnapshot(ctx, run, models.SnapshotStatusFinished,
		fmt.Sprintf("Run finished as %s", to), snapshotOpts{}); err != nil {
		return err
	}
	return e.finalizeRun(ctx, run, prior.Status)
}

// HeartbeatResult tells the executor what the engine wants from it
type HeartbeatResult struct {
	// CancelRequested is set when a cancel is pending; the executor should
	// stop the task and report the attempt as finished
	CancelRequested bool
	// SnapshotStale is set when the executor's snapshot is no longer
	// current; it should fetch the newer snapshots and react
	SnapshotStale bool
}

// Heartbeat records executor liveness for the run and reports back whether
// the executor must act on anything
func (e *Engine) Heartbeat(ctx context.Context, runID, snapshotFriendlyID string) (*HeartbeatResult, error) {
	now := time.Now()
	err := e.kv.Set(ctx, heartbeatKeyPrefix+runID,
		strconv.FormatInt(now.UnixMilli(), 10), 4*e.cfg.HeartbeatInterval).Err()
	if err != nil {
		return nil, fmt.Errorf("could not record heartbeat for run %s: %w", runID, err)
	}

	latest, err := e.store.LatestSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResult{
		CancelRequested: latest.Status == models.SnapshotStatusPendingCancel,
		SnapshotStale:   latest.FriendlyID != snapshotFriendlyID,
	}, nil
}

// lastHeartbeat returns the most recent liveness signal for the run: the
// later of the snapshot's creation and the executor's last heartbeat
func (e *Engine) lastHeartbeat(ctx context.Context, runID string, snap *models.RunSnapshot) (time.Time, error) {
	last := snap.CreatedAt
	val, err := e.kv.Get(ctx, heartbeatKeyPrefix+runID).Result()
	if err == nil {
		if ms, perr := strconv.ParseInt(val, 10, 64); perr == nil {
			if hb := time.UnixMilli(ms); hb.After(last) {
				last = hb
			}
		}
	} else if !isRedisNil(err) {
		return time.Time{}, err
	}
	return last, nil
}

// SnapshotsSince returns every snapshot of the run appended after the given
// one, oldest first. Executors poll this after a stale-snapshot signal.
func (e *Engine) SnapshotsSince(ctx context.Context, sinceFriendlyID string) ([]models.RunSnapshot, error) {
	since, err := e.store.GetSnapshotByFriendlyID(ctx, sinceFriendlyID)
	if err != nil {
		return nil, err
	}
	return e.store.SnapshotsSince(ctx, since.RunID, since.ID)
}
