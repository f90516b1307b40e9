// Package api exposes the engine's control surface over HTTP: run triggering
// and cancellation for clients, and the dequeue/attempt/wait/checkpoint
// protocol for executors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"runengine/internal/engine"
	"runengine/internal/store"
)

type Server struct {
	ctx    context.Context
	engine *engine.Engine
	config *Config
	router *chi.Mux
}

type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// New creates a new API server instance
func New(ctx context.Context, eng *engine.Engine, st store.Store, config *Config) *Server {
	s := &Server{
		ctx:    ctx,
		engine: eng,
		config: config,
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/runs", NewRunRouter(eng, st))
		r.Mount("/waitpoints", NewWaitpointRouter(eng, st))
		// The executor protocol owns the rest of the /api namespace:
		// /dequeue, /attempts/*, /wait/*, /snapshots/*
		r.Mount("/", NewExecutorRouter(eng, st))
	})
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		serveJson(w, map[string]string{"status": "ok"})
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen serves requests until the context is canceled, then drains with a
// short grace period
func (s *Server) Listen() error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-s.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// serveEngineError maps engine and store errors onto HTTP statuses. Stale
// snapshots and other optimistic-concurrency conflicts come back as 409 so
// executors know to refetch and retry.
func serveEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrSnapshotStale),
		errors.Is(err, engine.ErrRunFinal),
		errors.Is(err, engine.ErrNotCheckpointable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Msg("Request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
