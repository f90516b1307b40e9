package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"runengine/internal/engine"
	"runengine/internal/store"
)

type RunRouter struct {
	engine *engine.Engine
	store  store.Store
	router chi.Router
}

func (t *RunRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewRunRouter(eng *engine.Engine, st store.Store) *RunRouter {
	r := &RunRouter{
		engine: eng,
		store:  st,
		router: chi.NewRouter(),
	}
	r.router.Post("/", r.Trigger)
	r.router.Post("/batch", r.TriggerBatch)
	r.router.Get("/{friendlyID}", r.GetRun)
	r.router.Post("/{friendlyID}/cancel", r.CancelRun)
	r.router.Post("/queue-pending", r.QueuePendingVersion)

	return r
}

func (t *RunRouter) Trigger(w http.ResponseWriter, r *http.Request) {
	var payload TriggerRun
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := t.engine.Trigger(r.Context(), payload.toRequest())
	if err != nil {
		serveEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, newRunDetails(run))
}

func (t *RunRouter) TriggerBatch(w http.ResponseWriter, r *http.Request) {
	var payload TriggerBatch
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reqs := make([]engine.TriggerRequest, len(payload.Runs))
	for i := range payload.Runs {
		reqs[i] = payload.Runs[i].toRequest()
	}

	batch, runs, err := t.engine.TriggerBatch(r.Context(), reqs)
	if err != nil {
		serveEngineError(w, err)
		return
	}

	details := make([]RunDetails, len(runs))
	for i := range runs {
		details[i] = newRunDetails(&runs[i])
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, map[string]any{
		"batch_id":          batch.ID,
		"batch_friendly_id": batch.FriendlyID,
		"runs":              details,
	})
}

func (t *RunRouter) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := t.store.GetRunByFriendlyID(r.Context(), chi.URLParam(r, "friendlyID"))
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, newRunDetails(run))
}

func (t *RunRouter) CancelRun(w http.ResponseWriter, r *http.Request) {
	var payload CancelRun
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	run, err := t.store.GetRunByFriendlyID(r.Context(), chi.URLParam(r, "friendlyID"))
	if err != nil {
		serveEngineError(w, err)
		return
	}

	canceled, err := t.engine.CancelRun(r.Context(), run.ID, payload.Reason)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, newRunDetails(canceled))
}

// QueuePendingVersion schedules activation of every run parked on an
// undeployed task version in the environment. Called by deploy tooling.
func (t *RunRouter) QueuePendingVersion(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		EnvironmentID string `json:"environment_id"`
	}
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if payload.EnvironmentID == "" {
		http.Error(w, "environment_id is empty", http.StatusBadRequest)
		return
	}

	if err := t.engine.QueueRunsPendingVersion(r.Context(), payload.EnvironmentID); err != nil {
		serveEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
