package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"runengine/internal/models"
	"runengine/internal/store"
)

// ErrNotCheckpointable is returned when a checkpoint arrives for a run that
// is no longer blocked: its waitpoints resolved while the executor was
// checkpointing, so it should continue in place instead of suspending.
var ErrNotCheckpointable = errors.New("run is not blocked, checkpoint rejected")

// WaitResult is the engine's answer to a wait request
type WaitResult struct {
	Waitpoint *models.Waitpoint
	Snapshot  *models.RunSnapshot
	// Suspendable tells the executor whether the wait is long enough to be
	// worth checkpointing; short waits should idle in-process
	Suspendable bool
}

// WaitForDuration blocks an EXECUTING run on a DATETIME waitpoint that
// completes at wakeAt. The run moves to EXECUTING_WITH_WAITPOINTS; whether
// the executor then checkpoints is its own decision, guided by Suspendable.
func (e *Engine) WaitForDuration(ctx context.Context, runID, snapshotFriendlyID string, wakeAt time.Time) (*WaitResult, error) {
	var out *WaitResult
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		if _, err := e.currentSnapshotMatches(ctx, runID, snapshotFriendlyID); err != nil {
			return err
		}

		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return ErrRunFinal
		}

		wp, err := e.waitpoints.CreateDateTimeWaitpoint(ctx, run.ProjectID, wakeAt)
		if err != nil {
			return err
		}
		if err := e.store.BlockRunWithWaitpoint(ctx, runID, wp.ID); err != nil {
			return err
		}

		ok, err := e.store.TransitionRun(ctx, runID,
			[]models.RunStatus{models.RunStatusExecuting, models.RunStatusExecutingWithWaitpoints},
			models.RunStatusExecutingWithWaitpoints, store.RunMutation{})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s is %s, cannot wait", runID, run.Status)
		}
		run.Status = models.RunStatusExecutingWithWaitpoints

		snap, err := e.newSnapshot(ctx, run, models.SnapshotStatusExecutingWithWaitpoint,
			fmt.Sprintf("Waiting until %s", wakeAt.UTC().Format(time.RFC3339)), snapshotOpts{})
		if err != nil {
			return err
		}

		out = &WaitResult{
			Waitpoint:   wp,
			Snapshot:    snap,
			Suspendable: time.Until(wakeAt) >= e.cfg.SuspendThreshold,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BlockRun blocks an executing run on an already-created waitpoint, e.g. a
// MANUAL token or a child-run waitpoint. Returns the snapshot recording the
// block, or nil when the waitpoint had already completed.
func (e *Engine) BlockRun(ctx context.Context, runID, snapshotFriendlyID, waitpointID string) (*models.RunSnapshot, error) {
	var snap *models.RunSnapshot
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		if _, err := e.currentSnapshotMatches(ctx, runID, snapshotFriendlyID); err != nil {
			return err
		}

		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return ErrRunFinal
		}

		blocked, err := e.waitpoints.BlockRunWithWaitpoint(ctx, runID, waitpointID)
		if err != nil {
			return err
		}
		if !blocked {
			return nil
		}

		ok, err := e.store.TransitionRun(ctx, runID,
			[]models.RunStatus{models.RunStatusExecuting, models.RunStatusExecutingWithWaitpoints},
			models.RunStatusExecutingWithWaitpoints, store.RunMutation{})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s is %s, cannot block", runID, run.Status)
		}
		run.Status = models.RunStatusExecutingWithWaitpoints

		snap, err = e.newSnapshot(ctx, run, models.SnapshotStatusExecutingWithWaitpoint,
			"Blocked on waitpoint", snapshotOpts{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// CheckpointRequest describes the artifact an executor produced before
// releasing its compute
type CheckpointRequest struct {
	RunID              string
	SnapshotFriendlyID string
	Type               string
	Location           string
	ImageRef           null.String
	Reason             null.String
}

// CreateCheckpoint records the checkpoint artifact and suspends the run.
// Only a run still blocked on open waitpoints may suspend: if every blocker
// resolved while the executor was checkpointing, ErrNotCheckpointable tells
// it to discard the artifact and keep executing.
func (e *Engine) CreateCheckpoint(ctx context.Context, req CheckpointRequest) (*models.Checkpoint, *models.RunSnapshot, error) {
	var (
		cp   *models.Checkpoint
		snap *models.RunSnapshot
	)
	err := e.withRunLock(ctx, req.RunID, func(ctx context.Context) error {
		if _, err := e.currentSnapshotMatches(ctx, req.RunID, req.SnapshotFriendlyID); err != nil {
			return err
		}

		run, err := e.store.GetRun(ctx, req.RunID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return ErrRunFinal
		}

		open, err := e.store.OpenWaitpointCount(ctx, req.RunID)
		if err != nil {
			return err
		}
		if open == 0 {
			return ErrNotCheckpointable
		}

		ok, err := e.store.TransitionRun(ctx, req.RunID,
			[]models.RunStatus{models.RunStatusExecutingWithWaitpoints},
			models.RunStatusSuspended, store.RunMutation{})
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotCheckpointable
		}
		run.Status = models.RunStatusSuspended

		latest, err := e.store.LatestSnapshot(ctx, req.RunID)
		if err != nil {
			return err
		}
		cp = &models.Checkpoint{
			ID:         uuid.New().String(),
			FriendlyID: models.FriendlyID("checkpoint"),
			RunID:      req.RunID,
			SnapshotID: latest.ID,
			Type:       req.Type,
			Location:   req.Location,
			ImageRef:   req.ImageRef,
			Reason:     req.Reason,
			CreatedAt:  time.Now(),
		}
		if err := e.store.CreateCheckpoint(ctx, cp); err != nil {
			return err
		}

		// The executor releases compute after this; the SUSPENDED snapshot
		// carries the checkpoint so the next dequeue restores from it
		snap, err = e.newSnapshot(ctx, run, models.SnapshotStatusSuspended, "Run suspended",
			snapshotOpts{checkpointID: null.StringFrom(cp.ID)})
		if err != nil {
			return err
		}

		// The executor's slot frees up once it exits
		return e.runQueue.Release(ctx, run.EnvironmentID, run.Queue)
	})
	if err != nil {
		return nil, nil, err
	}
	return cp, snap, nil
}

// RestoreRunExecution reports that an executor restored the run from its
// checkpoint after a dequeue. The run resumes the attempt it suspended in,
// so the attempt number is unchanged. If new waitpoints were opened while
// the run sat in the queue it resumes blocked on them.
func (e *Engine) RestoreRunExecution(ctx context.Context, runID, snapshotFriendlyID, workerID string) (*models.TaskRun, *models.RunSnapshot, error) {
	var (
		run  *models.TaskRun
		snap *models.RunSnapshot
	)
	err := e.withRunLock(ctx, runID, func(ctx context.Context) error {
		latest, err := e.currentSnapshotMatches(ctx, runID, snapshotFriendlyID)
		if err != nil {
			return err
		}

		run, err = e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return ErrRunFinal
		}

		open, err := e.store.OpenWaitpointCount(ctx, runID)
		if err != nil {
			return err
		}

		target := models.RunStatusExecuting
		snapStatus := models.SnapshotStatusExecuting
		if open > 0 {
			target = models.RunStatusExecutingWithWaitpoints
			snapStatus = models.SnapshotStatusExecutingWithWaitpoint
		}

		ok, err := e.store.TransitionRun(ctx, runID,
			[]models.RunStatus{models.RunStatusQueued}, target, store.RunMutation{})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s is %s, cannot restore", runID, run.Status)
		}
		run.Status = target

		snap, err = e.newSnapshot(ctx, run, snapStatus,
			"Execution restored from checkpoint",
			snapshotOpts{checkpointID: latest.CheckpointID, workerID: null.StringFrom(workerID)})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return run, snap, nil
}

// ContinueRunExecution resumes a run whose waitpoints have all resolved.
// A run still executing in-process goes back to EXECUTING; a suspended run
// goes back to the queue so an executor restores it from its checkpoint.
// No-op when the run still has open waitpoints or already finished.
func (e *Engine) ContinueRunExecution(ctx context.Context, runID string) error {
	return e.withRunLock(ctx, runID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.IsFinal() {
			return nil
		}

		open, err := e.store.OpenWaitpointCount(ctx, runID)
		if err != nil {
			return err
		}
		if open > 0 {
			log.Debug().
				Str("run_id", runID).
				Int("open_waitpoints", open).
				Msg("Run still blocked, not continuing")
			return nil
		}

		switch run.Status {
		case models.RunStatusExecutingWithWaitpoints:
			ok, err := e.store.TransitionRun(ctx, runID,
				[]models.RunStatus{models.RunStatusExecutingWithWaitpoints},
				models.RunStatusExecuting, store.RunMutation{})
			if err != nil || !ok {
				return err
			}
			run.Status = models.RunStatusExecuting
			_, err = e.newSnapshot(ctx, run, models.SnapshotStatusExecuting,
				"Waitpoints resolved, continuing execution", snapshotOpts{})
			return err

		case models.RunStatusSuspended:
			latest, err := e.store.LatestSnapshot(ctx, runID)
			if err != nil {
				return err
			}
			ok, err := e.store.TransitionRun(ctx, runID,
				[]models.RunStatus{models.RunStatusSuspended},
				models.RunStatusQueued,
				store.RunMutation{QueuedAt: null.TimeFrom(time.Now())})
			if err != nil || !ok {
				return err
			}
			run.Status = models.RunStatusQueued

			// Carry the checkpoint forward so the dequeuing executor
			// restores instead of starting fresh
			if err := e.runQueue.Enqueue(ctx, runQueueMessage(run)); err != nil {
				return err
			}
			_, err = e.newSnapshot(ctx, run, models.SnapshotStatusQueued,
				"Waitpoints resolved, run requeued for resume",
				snapshotOpts{checkpointID: latest.CheckpointID})
			return err

		default:
			return nil
		}
	})
}
