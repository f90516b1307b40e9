package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"runengine/internal/engine"
	"runengine/internal/models"
	"runengine/internal/store"
)

// ExecutorRouter carries the protocol executors speak while owning a run:
// dequeue, start/complete attempts, wait, suspend/restore, heartbeat, and
// the snapshot feed used to catch up after a stale-snapshot conflict.
// Executors address runs by friendly id; snapshot-scoped operations key on
// the snapshot friendly id in the path.
type ExecutorRouter struct {
	engine *engine.Engine
	store  store.Store
	router chi.Router
}

func (t *ExecutorRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewExecutorRouter(eng *engine.Engine, st store.Store) *ExecutorRouter {
	r := &ExecutorRouter{
		engine: eng,
		store:  st,
		router: chi.NewRouter(),
	}
	r.router.Post("/dequeue", r.Dequeue)
	r.router.Post("/attempts/start", r.StartAttempt)
	r.router.Post("/attempts/complete", r.CompleteAttempt)
	r.router.Post("/wait/duration", r.WaitForDuration)
	r.router.Post("/snapshots/{friendlyID}/suspend", r.Suspend)
	r.router.Post("/snapshots/{friendlyID}/restore", r.Restore)
	r.router.Post("/snapshots/{friendlyID}/heartbeat", r.Heartbeat)
	r.router.Get("/snapshots/since/{friendlyID}", r.SnapshotsSince)

	return r
}

// runParam resolves the friendly run id executors send in request bodies
func (t *ExecutorRouter) runParam(w http.ResponseWriter, r *http.Request, friendlyID string) (*models.TaskRun, bool) {
	run, err := t.store.GetRunByFriendlyID(r.Context(), friendlyID)
	if err != nil {
		serveEngineError(w, err)
		return nil, false
	}
	return run, true
}

// snapshotParam resolves the {friendlyID} path segment to its snapshot
func (t *ExecutorRouter) snapshotParam(w http.ResponseWriter, r *http.Request) (*models.RunSnapshot, bool) {
	snap, err := t.store.GetSnapshotByFriendlyID(r.Context(), chi.URLParam(r, "friendlyID"))
	if err != nil {
		serveEngineError(w, err)
		return nil, false
	}
	return snap, true
}

func (t *ExecutorRouter) Dequeue(w http.ResponseWriter, r *http.Request) {
	var payload DequeueRequest
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	dq, err := t.engine.DequeueNext(r.Context(), payload.EnvironmentID, payload.Queue, payload.WorkerID)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	if dq == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	serveJson(w, DequeueResponse{
		Run:        newRunDetails(dq.Run),
		Snapshot:   newSnapshotDetails(dq.Snapshot),
		Checkpoint: newCheckpointDetails(dq.Checkpoint),
	})
}

func (t *ExecutorRouter) StartAttempt(w http.ResponseWriter, r *http.Request) {
	var payload StartAttempt
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	run, ok := t.runParam(w, r, payload.RunID)
	if !ok {
		return
	}

	started, snap, err := t.engine.StartRunAttempt(r.Context(), run.ID, payload.SnapshotID, payload.WorkerID, payload.IsWarmStart)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, StartAttemptResponse{
		Run:      newRunDetails(started),
		Snapshot: newSnapshotDetails(snap),
	})
}

func (t *ExecutorRouter) CompleteAttempt(w http.ResponseWriter, r *http.Request) {
	var payload CompleteAttempt
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	run, ok := t.runParam(w, r, payload.RunID)
	if !ok {
		return
	}

	completed, err := t.engine.CompleteRunAttempt(r.Context(), run.ID, payload.SnapshotID, engine.AttemptResult{
		Ok:           payload.Ok,
		Output:       payload.Output,
		ErrorKind:    payload.ErrorKind,
		ErrorMessage: payload.ErrorMessage,
		Retryable:    payload.Retryable,
	})
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, newRunDetails(completed))
}

func (t *ExecutorRouter) WaitForDuration(w http.ResponseWriter, r *http.Request) {
	var payload WaitForDuration
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, ok := t.runParam(w, r, payload.RunID)
	if !ok {
		return
	}

	res, err := t.engine.WaitForDuration(r.Context(), run.ID, payload.SnapshotID, payload.WakeAt)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, WaitForDurationResponse{
		Waitpoint:   newWaitpointDetails(res.Waitpoint),
		Snapshot:    newSnapshotDetails(res.Snapshot),
		Suspendable: res.Suspendable,
	})
}

// Suspend checkpoints a blocked run off its current snapshot
func (t *ExecutorRouter) Suspend(w http.ResponseWriter, r *http.Request) {
	var payload SuspendRun
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, ok := t.snapshotParam(w, r)
	if !ok {
		return
	}

	cp, next, err := t.engine.CreateCheckpoint(r.Context(), engine.CheckpointRequest{
		RunID:              snap.RunID,
		SnapshotFriendlyID: snap.FriendlyID,
		Type:               payload.Type,
		Location:           payload.Location,
		ImageRef:           payload.ImageRef,
		Reason:             payload.Reason,
	})
	if err != nil {
		serveEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, CreateCheckpointResponse{
		Checkpoint: *newCheckpointDetails(cp),
		Snapshot:   newSnapshotDetails(next),
	})
}

// Restore acknowledges a checkpoint restore: the run resumes its suspended
// attempt instead of starting a new one
func (t *ExecutorRouter) Restore(w http.ResponseWriter, r *http.Request) {
	var payload RestoreRun
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	snap, ok := t.snapshotParam(w, r)
	if !ok {
		return
	}

	run, next, err := t.engine.RestoreRunExecution(r.Context(), snap.RunID, snap.FriendlyID, payload.WorkerID)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, StartAttemptResponse{
		Run:      newRunDetails(run),
		Snapshot: newSnapshotDetails(next),
	})
}

func (t *ExecutorRouter) Heartbeat(w http.ResponseWriter, r *http.Request) {
	snap, ok := t.snapshotParam(w, r)
	if !ok {
		return
	}

	res, err := t.engine.Heartbeat(r.Context(), snap.RunID, snap.FriendlyID)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, HeartbeatResponse{
		CancelRequested: res.CancelRequested,
		SnapshotStale:   res.SnapshotStale,
	})
}

// SnapshotsSince streams the transitions appended after the executor's last
// known snapshot, oldest first
func (t *ExecutorRouter) SnapshotsSince(w http.ResponseWriter, r *http.Request) {
	snaps, err := t.engine.SnapshotsSince(r.Context(), chi.URLParam(r, "friendlyID"))
	if err != nil {
		serveEngineError(w, err)
		return
	}

	details := make([]SnapshotDetails, len(snaps))
	for i := range snaps {
		details[i] = newSnapshotDetails(&snaps[i])
	}
	serveJson(w, details)
}
