package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"runengine/internal/metrics"
)

// Worker polls the action queue and dispatches deliveries to the catalog
// handlers. Multiple workers may run against the same queue; the visibility
// timeout keeps them from double-processing inside the window.
type Worker struct {
	queue        *Queue
	catalog      Catalog
	concurrency  int
	pollInterval time.Duration
}

// NewWorker creates a worker pool over the queue with the given catalog
func NewWorker(queue *Queue, catalog Catalog, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		queue:        queue,
		catalog:      catalog,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Start runs the poll loops until the context is canceled
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		go w.loop(ctx)
	}
	go w.reportDepth(ctx)
	<-ctx.Done()
}

// reportDepth samples the queue depth per kind for the pending gauge
func (w *Worker) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range Kinds {
				n, err := w.queue.PendingCount(ctx, kind)
				if err != nil {
					continue
				}
				metrics.ActionsPending.WithLabelValues(string(kind)).Set(float64(n))
			}
		}
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !w.pollOnce(ctx) {
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.pollInterval):
				}
			}
		}
	}
}

// pollOnce tries every kind once and reports whether any action was handled
func (w *Worker) pollOnce(ctx context.Context) bool {
	handled := false
	for _, kind := range Kinds {
		entry, ok := w.catalog[kind]
		if !ok {
			continue
		}

		action, err := w.queue.Dequeue(ctx, kind, entry.VisibilityTimeout)
		if err != nil {
			log.Error().
				Err(err).
				Str("action_kind", string(kind)).
				Msg("Error encountered when fetching action from queue")
			continue
		}
		if action == nil {
			continue
		}

		handled = true
		w.process(ctx, entry, action)
	}
	return handled
}

// process runs a single delivery. Handler errors leave the action unacked so
// the visibility timeout redelivers it; malformed payloads are dead-lettered
// immediately rather than looping as poison pills.
func (w *Worker) process(ctx context.Context, entry CatalogEntry, action *Action) {
	err := runHandler(ctx, entry.Handler, action)
	switch {
	case err == nil:
		metrics.ActionsProcessed.WithLabelValues(string(action.Kind), "ok").Inc()
		if err := w.queue.Ack(ctx, action); err != nil {
			log.Error().
				Err(err).
				Str("action_kind", string(action.Kind)).
				Str("action_id", action.ID).
				Msg("Could not acknowledge action")
		}

	case isValidation(err):
		metrics.ActionsProcessed.WithLabelValues(string(action.Kind), "invalid").Inc()
		log.Error().
			Err(err).
			Str("action_kind", string(action.Kind)).
			Str("action_id", action.ID).
			Msg("Dropping action with invalid payload")
		if err := w.queue.DeadLetter(ctx, action); err != nil {
			log.Error().Err(err).Str("action_id", action.ID).Msg("Could not dead-letter action")
		}

	default:
		metrics.ActionsProcessed.WithLabelValues(string(action.Kind), "error").Inc()
		log.Error().
			Err(err).
			Str("action_kind", string(action.Kind)).
			Str("action_id", action.ID).
			Int("deliveries", action.Deliveries).
			Msg("Error encountered when processing action, will be redelivered")
	}
}

func runHandler(ctx context.Context, handler Handler, action *Action) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().
				Interface("panic", rcv).
				Str("action_kind", string(action.Kind)).
				Str("action_id", action.ID).
				Msg("Action handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(ctx, action.Payload)
}

// ValidationError marks a payload as malformed: the delivery is dropped to
// the dead-letter list instead of being retried
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "invalid action payload: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Validate decodes a payload into dst, wrapping decode failures as
// non-retryable validation errors
func Validate(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

func isValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
