package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"runengine/internal/actions"
	"runengine/internal/metrics"
	"runengine/internal/models"
	"runengine/internal/runqueue"
	"runengine/internal/store"
)

// TriggerRequest describes one run to create
type TriggerRequest struct {
	TaskIdentifier string
	EnvironmentID  string
	ProjectID      string
	Queue          string
	Payload        null.String
	IdempotencyKey string
	ConcurrencyKey null.String
	MachinePreset  null.String
	MaxAttempts    int
	// DelayUntil postpones enqueueing; the run sits in DELAYED until then
	DelayUntil *time.Time
	// TTL expires the run if it has not started executing within the window
	TTL time.Duration
	// PendingVersion parks the run until a task version is deployed for it
	PendingVersion bool
	// ParentRunID plus ResumeParentOnCompletion makes the parent block on this
	// run through a RUN waitpoint
	ParentRunID              null.String
	ResumeParentOnCompletion bool
	// BatchID links the run into an existing batch
	BatchID null.String
}

func (r *TriggerRequest) validate() error {
	if r.TaskIdentifier == "" {
		return errors.New("task identifier is required")
	}
	if r.EnvironmentID == "" {
		return errors.New("environment id is required")
	}
	if r.Queue == "" {
		r.Queue = "default"
	}
	return nil
}

// Trigger creates a run and routes it to its initial status. The same
// idempotency key within an environment returns the previously created run
// instead of a duplicate.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*models.TaskRun, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := e.store.FindRunByIdempotencyKey(ctx, req.EnvironmentID, req.IdempotencyKey)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	now := time.Now()
	run := &models.TaskRun{
		ID:             uuid.New().String(),
		FriendlyID:     models.FriendlyID("run"),
		Status:         models.RunStatusQueued,
		TaskIdentifier: req.TaskIdentifier,
		Queue:          req.Queue,
		ConcurrencyKey: req.ConcurrencyKey,
		EnvironmentID:  req.EnvironmentID,
		ProjectID:      req.ProjectID,
		MachinePreset:  req.MachinePreset,
		MaxAttempts:    req.MaxAttempts,
		ParentRunID:    req.ParentRunID,
		BatchID:        req.BatchID,
		IdempotencyKey: null.NewString(req.IdempotencyKey, req.IdempotencyKey != ""),
		Payload:        req.Payload,
		CreatedAt:      now,
	}
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = e.cfg.MaxAttemptsDefault
	}
	if req.TTL > 0 {
		run.ExpiresAt = null.TimeFrom(now.Add(req.TTL))
	}

	switch {
	case req.PendingVersion:
		run.Status = models.RunStatusPendingVersion
	case req.DelayUntil != nil && req.DelayUntil.After(now):
		run.Status = models.RunStatusDelayed
		run.DelayUntil = null.TimeFrom(*req.DelayUntil)
	default:
		run.QueuedAt = null.TimeFrom(now)
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	metrics.RunsTriggered.WithLabelValues(run.TaskIdentifier).Inc()

	if _, err := e.newSnapshot(ctx, run, models.SnapshotStatusRunCreated, "Run created", snapshotOpts{}); err != nil {
		return nil, err
	}

	switch run.Status {
	case models.RunStatusQueued:
		if err := e.enqueueRun(ctx, run); err != nil {
			return nil, err
		}
	case models.RunStatusDelayed:
		if _, err := e.queue.Enqueue(ctx, actions.KindEnqueueDelayedRun, actions.EnqueueDelayedRunPayload{
			RunID: run.ID,
		}, run.DelayUntil.Time); err != nil {
			return nil, err
		}
	}

	if run.ExpiresAt.Valid {
		if _, err := e.queue.Enqueue(ctx, actions.KindExpireRun, actions.ExpireRunPayload{
			RunID: run.ID,
		}, run.ExpiresAt.Time); err != nil {
			return nil, err
		}
	}

	if req.ParentRunID.Valid && req.ResumeParentOnCompletion {
		if err := e.blockParentOnRun(ctx, req.ParentRunID.String, run); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("run_id", run.ID).
		Str("run_friendly_id", run.FriendlyID).
		Str("task", run.TaskIdentifier).
		Str("status", string(run.Status)).
		Msg("Run triggered")
	return run, nil
}

func runQueueMessage(run *models.TaskRun) runqueue.Message {
	return runqueue.Message{
		RunID:         run.ID,
		EnvironmentID: run.EnvironmentID,
		Queue:         run.Queue,
	}
}

// enqueueRun pushes a QUEUED run onto its run queue and appends the QUEUED
// snapshot
func (e *Engine) enqueueRun(ctx context.Context, run *models.TaskRun) error {
	if err := e.runQueue.Enqueue(ctx, runQueueMessage(run)); err != nil {
		return fmt.Errorf("could not enqueue run %s: %w", run.ID, err)
	}
	_, err := e.newSnapshot(ctx, run, models.SnapshotStatusQueued, "Run queued", snapshotOpts{})
	return err
}

// blockParentOnRun creates the RUN waitpoint that resolves when the child
// finishes and blocks the parent on it. An executing parent moves to
// EXECUTING_WITH_WAITPOINTS so its executor can decide to suspend.
func (e *Engine) blockParentOnRun(ctx context.Context, parentRunID string, child *models.TaskRun) error {
	wp, err := e.waitpoints.CreateRunAssociatedWaitpoint(ctx, child.ProjectID, child.ID)
	if err != nil {
		return err
	}

	// Block and parent transition share one critical section (the locker is
	// reentrant, so the manager's own lock nests). A fast child can finish
	// between the link insert and the transition; the open-count re-check
	// below keeps the parent EXECUTING in that case instead of parking it
	// with nothing left to wait for.
	return e.withRunLock(ctx, parentRunID, func(ctx context.Context) error {
		blocked, err := e.waitpoints.BlockRunWithWaitpoint(ctx, parentRunID, wp.ID)
		if err != nil || !blocked {
			return err
		}

		open, err := e.store.OpenWaitpointCount(ctx, parentRunID)
		if err != nil {
			return err
		}
		if open == 0 {
			return nil
		}

		parent, err := e.store.GetRun(ctx, parentRunID)
		if err != nil {
			return err
		}
		ok, err := e.store.TransitionRun(ctx, parentRunID,
			[]models.RunStatus{models.RunStatusExecuting},
			models.RunStatusExecutingWithWaitpoints, store.RunMutation{})
		if err != nil || !ok {
			return err
		}
		parent.Status = models.RunStatusExecutingWithWaitpoints
		_, err = e.newSnapshot(ctx, parent, models.SnapshotStatusExecutingWithWaitpoint,
			fmt.Sprintf("Blocked on child run %s", child.FriendlyID), snapshotOpts{})
		return err
	})
}

// TriggerBatch creates a batch and triggers each member run with the batch
// id set. Member idempotency keys still apply individually.
func (e *Engine) TriggerBatch(ctx context.Context, reqs []TriggerRequest) (*models.Batch, []models.TaskRun, error) {
	if len(reqs) == 0 {
		return nil, nil, errors.New("batch must contain at least one run")
	}

	batch := &models.Batch{
		ID:         uuid.New().String(),
		FriendlyID: models.FriendlyID("batch"),
		Status:     models.BatchStatusPending,
		RunCount:   len(reqs),
		CreatedAt:  time.Now(),
	}
	if err := e.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, err
	}

	runs := make([]models.TaskRun, 0, len(reqs))
	for _, req := range reqs {
		req.BatchID = null.StringFrom(batch.ID)
		run, err := e.Trigger(ctx, req)
		if err != nil {
			return nil, nil, fmt.Errorf("triggering batch member: %w", err)
		}
		runs = append(runs, *run)
	}
	return batch, runs, nil
}

// DequeuedRun is what an executor receives when it claims a run. Checkpoint
// is set when the run suspended earlier and must be restored instead of
// started fresh.
type DequeuedRun struct {
	Run        *models.TaskRun
	Snapshot   *models.RunSnapshot
	Checkpoint *models.Checkpoint
}

// DequeueNext hands the oldest eligible run on the environment/queue pair to
// the calling executor. Returns nil when nothing is eligible. The run keeps
// its QUEUED status; the PENDING_EXECUTING snapshot records the handoff and
// starts the liveness watchdog for the executor.
func (e *Engine) DequeueNext(ctx context.Context, environmentID, queueName, workerID string) (*DequeuedRun, error) {
	msg, err := e.runQueue.Dequeue(ctx, environmentID, queueName, e.cfg.QueueConcurrencyLimit)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	var out *DequeuedRun
	err = e.withRunLock(ctx, msg.RunID, func(ctx context.Context) error {
		run, err := e.store.GetRun(ctx, msg.RunID)
		if err != nil {
			return err
		}
		if !run.Status.IsDequeueable() {
			// Canceled or expired while sitting in the queue. Drop the
			// message and give the concurrency slot back.
			log.Debug().
				Str("run_id", run.ID).
				Str("status", string(run.Status)).
				Msg("Skipping non-dequeueable run")
			return e.runQueue.Release(ctx, environmentID, queueName)
		}

		prev, err := e.store.LatestSnapshot(ctx, run.ID)
		if err != nil {
			return err
		}

		startedAt := null.TimeFrom(time.Now())
		ok, err := e.store.TransitionRun(ctx, run.ID,
			[]models.RunStatus{models.RunStatusQueued}, models.RunStatusQueued,
			store.RunMutation{StartedAt: startedAt})
		if err != nil {
			return err
		}
		if !ok {
			return e.runQueue.Release(ctx, environmentID, queueName)
		}
		run.StartedAt = startedAt

		snap, err := e.newSnapshot(ctx, run, models.SnapshotStatusPendingExecuting, "Run dequeued by executor", snapshotOpts{
			checkpointID: prev.CheckpointID,
			workerID:     null.StringFrom(workerID),
		})
		if err != nil {
			return err
		}

		out = &DequeuedRun{Run: run, Snapshot: snap}
		if prev.CheckpointID.Valid {
			cp, err := e.store.GetCheckpoint(ctx, prev.CheckpointID.String)
			if err != nil {
				return err
			}
			out.Checkpoint = cp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
