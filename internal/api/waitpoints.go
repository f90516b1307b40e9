package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"runengine/internal/engine"
	"runengine/internal/store"
)

type WaitpointRouter struct {
	engine *engine.Engine
	store  store.Store
	router chi.Router
}

func (t *WaitpointRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewWaitpointRouter(eng *engine.Engine, st store.Store) *WaitpointRouter {
	r := &WaitpointRouter{
		engine: eng,
		store:  st,
		router: chi.NewRouter(),
	}
	r.router.Post("/", r.CreateManual)
	r.router.Get("/{friendlyID}", r.GetWaitpoint)
	r.router.Post("/{friendlyID}/complete", r.Complete)

	return r
}

// CreateManual mints a MANUAL waitpoint token. Runs blocked on it wait until
// someone posts to its complete endpoint or the optional timeout fires.
func (t *WaitpointRouter) CreateManual(w http.ResponseWriter, r *http.Request) {
	var payload CreateWaitpoint
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wp, err := t.engine.Waitpoints().CreateManualWaitpoint(r.Context(), payload.ProjectID, payload.IdempotencyKey, payload.TimeoutAt)
	if err != nil {
		serveEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, newWaitpointDetails(wp))
}

func (t *WaitpointRouter) GetWaitpoint(w http.ResponseWriter, r *http.Request) {
	wp, err := t.store.GetWaitpointByFriendlyID(r.Context(), chi.URLParam(r, "friendlyID"))
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, newWaitpointDetails(wp))
}

func (t *WaitpointRouter) Complete(w http.ResponseWriter, r *http.Request) {
	var payload CompleteWaitpoint
	if err := readJson(w, r, &payload); err != nil {
		return
	}

	wp, err := t.store.GetWaitpointByFriendlyID(r.Context(), chi.URLParam(r, "friendlyID"))
	if err != nil {
		serveEngineError(w, err)
		return
	}

	completed, err := t.engine.Waitpoints().CompleteWaitpoint(r.Context(), wp.ID, payload.Output, payload.ErrorKind, payload.ErrorMessage)
	if err != nil {
		serveEngineError(w, err)
		return
	}
	serveJson(w, newWaitpointDetails(completed))
}
