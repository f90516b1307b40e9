// Package waitpoint manages the synchronization tokens runs block on.
package waitpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"runengine/internal/actions"
	"runengine/internal/locker"
	"runengine/internal/metrics"
	"runengine/internal/models"
	"runengine/internal/store"
)

// TimeoutErrorKind is recorded on waitpoints force-completed by their timeout
const TimeoutErrorKind = "WAITPOINT_TIMEOUT"

type Manager struct {
	store  store.Store
	locker *locker.Locker
	queue  *actions.Queue
}

// NewManager wires the waitpoint manager to its collaborators. All three are
// injected so tests can substitute fakes.
func NewManager(s store.Store, l *locker.Locker, q *actions.Queue) *Manager {
	return &Manager{store: s, locker: l, queue: q}
}

// CreateManualWaitpoint creates a PENDING MANUAL waitpoint. When an
// idempotency key is supplied and a non-expired waitpoint with that key
// already exists for the project, the existing one is returned instead of a
// duplicate. An optional timeout auto-completes the waitpoint with a timeout
// error at the given time.
func (m *Manager) CreateManualWaitpoint(ctx context.Context, projectID, idempotencyKey string, timeout *time.Time) (*models.Waitpoint, error) {
	if idempotencyKey != "" {
		existing, err := m.store.FindWaitpointByIdempotencyKey(ctx, projectID, idempotencyKey)
		switch {
		case err == nil:
			if !existing.TimeoutAt.Valid || existing.TimeoutAt.Time.After(time.Now()) {
				return existing, nil
			}
			// Expired: fall through and mint a fresh one
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	wp := &models.Waitpoint{
		ID:             uuid.New().String(),
		FriendlyID:     models.FriendlyID("waitpoint"),
		Type:           models.WaitpointTypeManual,
		Status:         models.WaitpointStatusPending,
		ProjectID:      projectID,
		IdempotencyKey: null.NewString(idempotencyKey, idempotencyKey != ""),
		CreatedAt:      time.Now(),
	}
	if timeout != nil {
		wp.TimeoutAt = null.TimeFrom(*timeout)
	}

	if err := m.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, err
	}

	if timeout != nil {
		_, err := m.queue.Enqueue(ctx, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{
			WaitpointID:  wp.ID,
			ErrorKind:    TimeoutErrorKind,
			ErrorMessage: fmt.Sprintf("waitpoint timed out at %s", timeout.UTC().Format(time.RFC3339)),
		}, *timeout)
		if err != nil {
			return nil, err
		}
	}

	return wp, nil
}

// CreateDateTimeWaitpoint creates a PENDING DATETIME waitpoint and schedules
// a background action to complete it at completedAfter
func (m *Manager) CreateDateTimeWaitpoint(ctx context.Context, projectID string, completedAfter time.Time) (*models.Waitpoint, error) {
	wp := &models.Waitpoint{
		ID:             uuid.New().String(),
		FriendlyID:     models.FriendlyID("waitpoint"),
		Type:           models.WaitpointTypeDateTime,
		Status:         models.WaitpointStatusPending,
		ProjectID:      projectID,
		CompletedAfter: null.TimeFrom(completedAfter),
		CreatedAt:      time.Now(),
	}

	if err := m.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, err
	}

	if _, err := m.queue.Enqueue(ctx, actions.KindFinishWaitpoint, actions.FinishWaitpointPayload{
		WaitpointID: wp.ID,
	}, completedAfter); err != nil {
		return nil, err
	}

	return wp, nil
}

// CreateRunAssociatedWaitpoint creates a PENDING RUN waitpoint that the
// engine completes when the referenced run reaches a terminal status
func (m *Manager) CreateRunAssociatedWaitpoint(ctx context.Context, projectID, completedByRunID string) (*models.Waitpoint, error) {
	wp := &models.Waitpoint{
		ID:               uuid.New().String(),
		FriendlyID:       models.FriendlyID("waitpoint"),
		Type:             models.WaitpointTypeRun,
		Status:           models.WaitpointStatusPending,
		ProjectID:        projectID,
		CompletedByRunID: null.StringFrom(completedByRunID),
		CreatedAt:        time.Now(),
	}

	if err := m.store.CreateWaitpoint(ctx, wp); err != nil {
		return nil, err
	}
	return wp, nil
}

// BlockRunWithWaitpoint links the run to the waitpoint under the run lock.
// The waitpoint status is re-checked inside the lock: if it completed between
// the caller's decision to block and this call, no link is inserted and false
// is returned so the caller proceeds immediately.
func (m *Manager) BlockRunWithWaitpoint(ctx context.Context, runID string, waitpointID string) (bool, error) {
	blocked := false
	err := m.locker.WithLock(ctx, []string{runID}, 0, func(ctx context.Context) error {
		wp, err := m.store.GetWaitpoint(ctx, waitpointID)
		if err != nil {
			return err
		}
		if wp.Status == models.WaitpointStatusCompleted {
			log.Debug().
				Str("run_id", runID).
				Str("waitpoint_id", waitpointID).
				Msg("Waitpoint already completed, skipping block")
			return nil
		}

		if err := m.store.BlockRunWithWaitpoint(ctx, runID, waitpointID); err != nil {
			return err
		}
		blocked = true
		return nil
	})
	return blocked, err
}

// CompleteWaitpoint transitions the waitpoint PENDING -> COMPLETED and
// enqueues a continueRunIfUnblocked action for every run it was blocking.
// Completing an already-completed waitpoint is a no-op, not an error.
//
// The notification loop runs on every delivery, not just the one that won
// the status CAS: a caller that crashed between the CAS and the enqueues
// leaves unresolved links behind, and the redelivery must pick them up.
// Each link is marked resolved only after its continuation is safely
// queued, so a partial failure re-enqueues rather than drops. Duplicate
// continuations are harmless, the continue handler re-checks under the
// run lock.
func (m *Manager) CompleteWaitpoint(ctx context.Context, id string, output, errorKind, errorMessage null.String) (*models.Waitpoint, error) {
	completed, err := m.store.CompleteWaitpoint(ctx, id, output, errorKind, errorMessage, time.Now())
	if err != nil {
		return nil, err
	}

	wp, err := m.store.GetWaitpoint(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("completing waitpoint %s: %w", id, err)
	}
	if wp.Status != models.WaitpointStatusCompleted {
		return wp, fmt.Errorf("waitpoint %s is %s after completion", id, wp.Status)
	}

	runIDs, err := m.store.RunsBlockedByWaitpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, runID := range runIDs {
		if _, err := m.queue.Enqueue(ctx, actions.KindContinueRunIfUnblocked, actions.ContinueRunIfUnblockedPayload{
			RunID: runID,
		}, time.Time{}); err != nil {
			return nil, err
		}
		if err := m.store.ResolveRunWaitpoint(ctx, runID, id); err != nil {
			return nil, err
		}
	}

	if completed {
		metrics.WaitpointsCompleted.WithLabelValues(string(wp.Type)).Inc()
		log.Info().
			Str("waitpoint_id", id).
			Str("type", string(wp.Type)).
			Int("blocked_runs", len(runIDs)).
			Msg("Waitpoint completed")
	}
	return wp, nil
}
