package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guregu/null/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runengine/internal/actions"
	"runengine/internal/engine"
	"runengine/internal/locker"
	"runengine/internal/models"
	"runengine/internal/runqueue"
	"runengine/internal/store"
	"runengine/internal/waitpoint"
)

type testRig struct {
	engine  *engine.Engine
	store   *store.Memory
	actions *actions.Queue
	runq    *runqueue.Queue
}

func setupEngine(t *testing.T, cfg engine.Config) *testRig {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemory()
	lk := locker.New(client)
	aq := actions.NewQueue(client)
	rq := runqueue.NewQueue(client)
	wm := waitpoint.NewManager(st, lk, aq)

	return &testRig{
		engine:  engine.New(st, lk, aq, rq, wm, client, cfg),
		store:   st,
		actions: aq,
		runq:    rq,
	}
}

// dispatch invokes a catalog handler directly, the way the action worker
// would after dequeueing the payload
func dispatch(t *testing.T, e *engine.Engine, kind actions.Kind, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, e.Catalog()[kind].Handler(context.Background(), data))
}

func triggerReq() engine.TriggerRequest {
	return engine.TriggerRequest{
		TaskIdentifier: "send-email",
		EnvironmentID:  "env-1",
		ProjectID:      "proj-1",
		Queue:          "default",
		Payload:        null.StringFrom(`{"to":"user@example.com"}`),
	}
}

// startRun walks a freshly triggered run to EXECUTING and returns it with
// its current snapshot
func startRun(t *testing.T, rig *testRig, runID string) (*models.TaskRun, *models.RunSnapshot) {
	t.Helper()
	ctx := context.Background()

	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)
	require.Equal(t, runID, dq.Run.ID)

	run, snap, err := rig.engine.StartRunAttempt(ctx, runID, dq.Snapshot.FriendlyID, "worker-1", false)
	require.NoError(t, err)
	return run, snap
}

func TestTriggerQueuedRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.True(t, run.QueuedAt.Valid)
	assert.Equal(t, 3, run.MaxAttempts, "default attempt budget applies")

	length, err := rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	latest, err := rig.store.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotStatusQueued, latest.Status)
}

func TestTriggerIdempotency(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	req := triggerReq()
	req.IdempotencyKey = "once"

	first, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	second, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Only the first trigger enqueued anything
	length, err := rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestTriggerDelayedRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	req := triggerReq()
	delay := time.Now().Add(time.Hour)
	req.DelayUntil = &delay

	run, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusDelayed, run.Status)

	length, err := rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Zero(t, length, "delayed run must not be on the run queue yet")

	// The activation fires through the delayed-run action
	dispatch(t, rig.engine, actions.KindEnqueueDelayedRun, actions.EnqueueDelayedRunPayload{RunID: run.ID})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, got.Status)

	length, err = rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	// Redelivery after the run left DELAYED is a no-op
	dispatch(t, rig.engine, actions.KindEnqueueDelayedRun, actions.EnqueueDelayedRunPayload{RunID: run.ID})
	length, err = rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestAttemptLifecycle(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)
	assert.Equal(t, models.SnapshotStatusPendingExecuting, dq.Snapshot.Status)
	assert.Nil(t, dq.Checkpoint)

	started, snap, err := rig.engine.StartRunAttempt(ctx, run.ID, dq.Snapshot.FriendlyID, "worker-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, started.Status)
	assert.Equal(t, 1, started.AttemptNumber)

	out := null.StringFrom(`{"sent":true}`)
	finished, err := rig.engine.CompleteRunAttempt(ctx, run.ID, snap.FriendlyID, engine.AttemptResult{
		Ok:     true,
		Output: out,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompletedSuccessfully, finished.Status)
	assert.Equal(t, out, finished.Output)

	// Snapshots appended strictly in transition order
	history, err := rig.engine.SnapshotsSince(ctx, dq.Snapshot.FriendlyID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.SnapshotStatusExecuting, history[0].Status)
	assert.Equal(t, models.SnapshotStatusFinished, history[1].Status)
}

func TestStartAttemptWithStaleSnapshot(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)

	// Another executor superseded this snapshot in the meantime
	_, _, err = rig.engine.StartRunAttempt(ctx, run.ID, "snapshot_bogus", "worker-1", false)
	assert.ErrorIs(t, err, engine.ErrSnapshotStale)

	// The current snapshot still works
	started, _, err := rig.engine.StartRunAttempt(ctx, run.ID, dq.Snapshot.FriendlyID, "worker-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, started.Status)
}

func TestStartAttemptWarmStart(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)

	// A reused executor environment is recorded on the snapshot
	_, snap, err := rig.engine.StartRunAttempt(ctx, run.ID, dq.Snapshot.FriendlyID, "worker-1", true)
	require.NoError(t, err)
	assert.Equal(t, "Attempt 1 started (warm start)", snap.Description)
}

func TestCompleteAttemptOnFinishedRunIsNoOp(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	_, err = rig.engine.CompleteRunAttempt(ctx, run.ID, snap.FriendlyID, engine.AttemptResult{Ok: true})
	require.NoError(t, err)

	// A duplicate report, even with a stale snapshot, cannot reopen the run
	got, err := rig.engine.CompleteRunAttempt(ctx, run.ID, snap.FriendlyID, engine.AttemptResult{
		Ok:           false,
		ErrorKind:    null.StringFrom("BOOM"),
		ErrorMessage: null.StringFrom("late failure report"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompletedSuccessfully, got.Status)
}

func TestRetryableFailureRequeues(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	req := triggerReq()
	req.MaxAttempts = 2
	run, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)

	_, snap := startRun(t, rig, run.ID)
	failed, err := rig.engine.CompleteRunAttempt(ctx, run.ID, snap.FriendlyID, engine.AttemptResult{
		ErrorKind:    null.StringFrom("NETWORK"),
		ErrorMessage: null.StringFrom("connection reset"),
		Retryable:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, failed.Status)

	// Second attempt exhausts the budget
	started, snap2 := startRun(t, rig, run.ID)
	assert.Equal(t, 2, started.AttemptNumber)

	final, err := rig.engine.CompleteRunAttempt(ctx, run.ID, snap2.FriendlyID, engine.AttemptResult{
		ErrorKind:    null.StringFrom("NETWORK"),
		ErrorMessage: null.StringFrom("connection reset"),
		Retryable:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompletedWithErrors, final.Status)
}

func TestTimeoutFinishesAsTimedOut(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	final, err := rig.engine.CompleteRunAttempt(ctx, run.ID, snap.FriendlyID, engine.AttemptResult{
		ErrorKind:    null.StringFrom(engine.RunTimeoutErrorKind),
		ErrorMessage: null.StringFrom("task exceeded maxDuration"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusTimedOut, final.Status)
}

func TestWaitForDurationAndContinue(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	// A short wait should be ridden out in-process
	res, err := rig.engine.WaitForDuration(ctx, run.ID, snap.FriendlyID, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Suspendable)
	assert.Equal(t, models.SnapshotStatusExecutingWithWaitpoint, res.Snapshot.Status)

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecutingWithWaitpoints, got.Status)

	// The timer fires as a finishWaitpoint action, which unblocks the run
	dispatch(t, rig.engine, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{WaitpointID: res.Waitpoint.ID})
	dispatch(t, rig.engine, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{RunID: run.ID})

	got, err = rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, got.Status)
}

func TestContinueIsNoOpWhileStillBlocked(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	first, err := rig.engine.WaitForDuration(ctx, run.ID, snap.FriendlyID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	second, err := rig.engine.WaitForDuration(ctx, run.ID, first.Snapshot.FriendlyID, time.Now().Add(2*time.Hour))
	require.NoError(t, err)

	// Only one of two blockers resolved; the run stays blocked
	dispatch(t, rig.engine, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{WaitpointID: first.Waitpoint.ID})
	dispatch(t, rig.engine, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{RunID: run.ID})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecutingWithWaitpoints, got.Status)

	dispatch(t, rig.engine, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{WaitpointID: second.Waitpoint.ID})
	dispatch(t, rig.engine, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{RunID: run.ID})

	got, err = rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, got.Status)
}

func TestCheckpointSuspendResume(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	res, err := rig.engine.WaitForDuration(ctx, run.ID, snap.FriendlyID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Suspendable)

	cp, suspended, err := rig.engine.CreateCheckpoint(ctx, engine.CheckpointRequest{
		RunID:              run.ID,
		SnapshotFriendlyID: res.Snapshot.FriendlyID,
		Type:               "DOCKER",
		Location:           "registry.example.com/checkpoints/run-1",
		Reason:             null.StringFrom("WAIT_FOR_DURATION"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotStatusSuspended, suspended.Status)
	assert.Equal(t, cp.ID, suspended.CheckpointID.String)

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuspended, got.Status)

	// Waitpoint resolves; the suspended run goes back through the queue
	dispatch(t, rig.engine, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{WaitpointID: res.Waitpoint.ID})
	dispatch(t, rig.engine, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{RunID: run.ID})

	got, err = rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, got.Status)

	// The next executor receives the checkpoint to restore from
	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-2")
	require.NoError(t, err)
	require.NotNil(t, dq)
	require.NotNil(t, dq.Checkpoint)
	assert.Equal(t, cp.ID, dq.Checkpoint.ID)

	// Restoring resumes the suspended attempt instead of starting a new one
	restored, restoredSnap, err := rig.engine.RestoreRunExecution(ctx, run.ID, dq.Snapshot.FriendlyID, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, restored.Status)
	assert.Equal(t, 1, restored.AttemptNumber)
	assert.Equal(t, models.SnapshotStatusExecuting, restoredSnap.Status)
	assert.Equal(t, cp.ID, restoredSnap.CheckpointID.String)
}

func TestCheckpointRejectedWhenUnblocked(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	res, err := rig.engine.WaitForDuration(ctx, run.ID, snap.FriendlyID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// The blocker resolves while the executor is busy checkpointing
	dispatch(t, rig.engine, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{WaitpointID: res.Waitpoint.ID})

	_, _, err = rig.engine.CreateCheckpoint(ctx, engine.CheckpointRequest{
		RunID:              run.ID,
		SnapshotFriendlyID: res.Snapshot.FriendlyID,
		Type:               "DOCKER",
		Location:           "registry.example.com/checkpoints/run-1",
	})
	assert.ErrorIs(t, err, engine.ErrNotCheckpointable)
}

func TestCancelQueuedRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	canceled, err := rig.engine.CancelRun(ctx, run.ID, "not needed")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, canceled.Status)

	// Canceling again is a no-op
	again, err := rig.engine.CancelRun(ctx, run.ID, "still not needed")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, again.Status)
}

func TestCancelExecutingRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	// An executing run is not yanked out from under its executor
	pending, err := rig.engine.CancelRun(ctx, run.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, pending.Status)

	latest, err := rig.store.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotStatusPendingCancel, latest.Status)

	// The executor learns about the cancel on its next heartbeat
	hb, err := rig.engine.Heartbeat(ctx, run.ID, snap.FriendlyID)
	require.NoError(t, err)
	assert.True(t, hb.CancelRequested)
	assert.True(t, hb.SnapshotStale)

	// Grace window lapses without the executor winding down
	dispatch(t, rig.engine, actions.KindCancelRun, actions.CancelRunPayload{RunID: run.ID, Reason: "user request"})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCanceled, got.Status)
}

func TestExpireRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	req := triggerReq()
	req.TTL = time.Hour
	run, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	assert.True(t, run.ExpiresAt.Valid)

	dispatch(t, rig.engine, actions.KindExpireRun, actions.ExpireRunPayload{RunID: run.ID})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExpired, got.Status)
}

func TestExpireSkipsStartedRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	req := triggerReq()
	req.TTL = time.Hour
	run, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	startRun(t, rig, run.ID)

	dispatch(t, rig.engine, actions.KindExpireRun, actions.ExpireRunPayload{RunID: run.ID})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, got.Status, "TTL only applies before the first attempt starts")
}

func TestQueueRunsPendingVersion(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	req := triggerReq()
	req.PendingVersion = true
	run, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPendingVersion, run.Status)

	dispatch(t, rig.engine, actions.KindQueueRunsPendingVersion, actions.QueueRunsPendingVersionPayload{EnvironmentID: "env-1"})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, got.Status)

	length, err := rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestBatchCompletesWhenAllRunsFinish(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	batch, runs, err := rig.engine.TriggerBatch(ctx, []engine.TriggerRequest{triggerReq(), triggerReq()})
	require.NoError(t, err)
	require.Len(t, runs, 2)

	_, err = rig.engine.CancelRun(ctx, runs[0].ID, "")
	require.NoError(t, err)

	// One member still live: the batch must not complete
	dispatch(t, rig.engine, actions.KindTryCompleteBatch, actions.TryCompleteBatchPayload{BatchID: batch.ID})
	got, err := rig.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, got.Status)

	_, err = rig.engine.CancelRun(ctx, runs[1].ID, "")
	require.NoError(t, err)

	dispatch(t, rig.engine, actions.KindTryCompleteBatch, actions.TryCompleteBatchPayload{BatchID: batch.ID})
	got, err = rig.store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, got.Status)
	assert.True(t, got.CompletedAt.Valid)
}

func TestChildRunResumesParent(t *testing.T) {
	rig := setupEngine(t, engine.Config{})
	ctx := context.Background()

	parent, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)
	startRun(t, rig, parent.ID)

	childReq := triggerReq()
	childReq.TaskIdentifier = "child-task"
	childReq.ParentRunID = null.StringFrom(parent.ID)
	childReq.ResumeParentOnCompletion = true
	child, err := rig.engine.Trigger(ctx, childReq)
	require.NoError(t, err)

	got, err := rig.store.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecutingWithWaitpoints, got.Status)

	// The child runs to completion; its output flows into the waitpoint
	_, childSnap := startRun(t, rig, child.ID)
	childOut := null.StringFrom(`{"result":42}`)
	_, err = rig.engine.CompleteRunAttempt(ctx, child.ID, childSnap.FriendlyID, engine.AttemptResult{
		Ok:     true,
		Output: childOut,
	})
	require.NoError(t, err)

	wps, err := rig.store.WaitpointsCompletedByRun(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, wps, 1)
	assert.Equal(t, models.WaitpointStatusCompleted, wps[0].Status)
	assert.Equal(t, childOut, wps[0].Output)

	dispatch(t, rig.engine, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{RunID: parent.ID})

	got, err = rig.store.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, got.Status)
}

// completeOnBlockStore completes the waitpoint the moment its link lands,
// standing in for a child run that finishes while its parent is still being
// blocked on it
type completeOnBlockStore struct {
	*store.Memory
	waitpoints *waitpoint.Manager
	fired      bool
}

func (s *completeOnBlockStore) BlockRunWithWaitpoint(ctx context.Context, runID, waitpointID string) error {
	if err := s.Memory.BlockRunWithWaitpoint(ctx, runID, waitpointID); err != nil {
		return err
	}
	if !s.fired {
		s.fired = true
		if _, err := s.waitpoints.CompleteWaitpoint(ctx, waitpointID, null.String{}, null.String{}, null.String{}); err != nil {
			return err
		}
	}
	return nil
}

func TestParentStaysRunnableWhenChildFinishesDuringBlock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := &completeOnBlockStore{Memory: store.NewMemory()}
	lk := locker.New(client)
	aq := actions.NewQueue(client)
	rq := runqueue.NewQueue(client)
	st.waitpoints = waitpoint.NewManager(st, lk, aq)
	eng := engine.New(st, lk, aq, rq, st.waitpoints, client, engine.Config{})
	ctx := context.Background()

	parent, err := eng.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	dq, err := eng.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)
	_, _, err = eng.StartRunAttempt(ctx, parent.ID, dq.Snapshot.FriendlyID, "worker-1", false)
	require.NoError(t, err)

	childReq := triggerReq()
	childReq.TaskIdentifier = "child-task"
	childReq.ParentRunID = null.StringFrom(parent.ID)
	childReq.ResumeParentOnCompletion = true
	_, err = eng.Trigger(ctx, childReq)
	require.NoError(t, err)

	// Nothing is left to wait for, so the parent must not be parked
	got, err := st.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, got.Status)

	// The continuation the completion queued finds nothing to do
	dispatch(t, eng, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{RunID: parent.ID})
	got, err = st.GetRun(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusExecuting, got.Status)
}

func TestHeartbeatWatchdogRequeuesSilentRun(t *testing.T) {
	rig := setupEngine(t, engine.Config{HeartbeatInterval: time.Millisecond})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)

	// Past the deadline with no heartbeat: the run goes back to the queue
	time.Sleep(5 * time.Millisecond)
	dispatch(t, rig.engine, actions.KindHeartbeatSnapshot, actions.HeartbeatSnapshotPayload{
		RunID:      run.ID,
		SnapshotID: dq.Snapshot.ID,
	})

	latest, err := rig.store.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SnapshotStatusQueued, latest.Status)

	length, err := rig.runq.Len(ctx, "env-1", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestHeartbeatWatchdogIgnoresSupersededSnapshot(t *testing.T) {
	rig := setupEngine(t, engine.Config{HeartbeatInterval: time.Millisecond})
	ctx := context.Background()

	run, err := rig.engine.Trigger(ctx, triggerReq())
	require.NoError(t, err)

	dq, err := rig.engine.DequeueNext(ctx, "env-1", "default", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, dq)

	_, snap, err := rig.engine.StartRunAttempt(ctx, run.ID, dq.Snapshot.FriendlyID, "worker-1", false)
	require.NoError(t, err)

	// The watchdog for the PENDING_EXECUTING snapshot fires after the
	// attempt already started; it must not touch the run
	time.Sleep(5 * time.Millisecond)
	dispatch(t, rig.engine, actions.KindHeartbeatSnapshot, actions.HeartbeatSnapshotPayload{
		RunID:      run.ID,
		SnapshotID: dq.Snapshot.ID,
	})

	latest, err := rig.store.LatestSnapshot(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
}

func TestHeartbeatWatchdogCrashesRunOutOfAttempts(t *testing.T) {
	rig := setupEngine(t, engine.Config{HeartbeatInterval: time.Millisecond})
	ctx := context.Background()

	req := triggerReq()
	req.MaxAttempts = 1
	run, err := rig.engine.Trigger(ctx, req)
	require.NoError(t, err)
	_, snap := startRun(t, rig, run.ID)

	time.Sleep(5 * time.Millisecond)
	dispatch(t, rig.engine, actions.KindHeartbeatSnapshot, actions.HeartbeatSnapshotPayload{
		RunID:      run.ID,
		SnapshotID: snap.ID,
	})

	got, err := rig.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCrashed, got.Status)
}
