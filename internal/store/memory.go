package store

import (
	"context"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"runengine/internal/models"
)

// Memory implements Store with in-memory state. It exists so the engine, the
// waitpoint manager and the API can be tested without a database; the
// conditional-update semantics mirror the Postgres implementation.
type Memory struct {
	mu sync.Mutex

	runs        map[string]*models.TaskRun
	snapshots   []*models.RunSnapshot
	snapshotSeq map[string]int
	waitpoints  map[string]*models.Waitpoint
	links       []*models.RunWaitpoint
	checkpoints map[string]*models.Checkpoint
	batches     map[string]*models.Batch
	schedules   map[int64]*models.TaskSchedule
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*models.TaskRun),
		snapshotSeq: make(map[string]int),
		waitpoints:  make(map[string]*models.Waitpoint),
		checkpoints: make(map[string]*models.Checkpoint),
		batches:     make(map[string]*models.Batch),
		schedules:   make(map[int64]*models.TaskSchedule),
	}
}

func (m *Memory) CreateRun(_ context.Context, run *models.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) GetRunByFriendlyID(_ context.Context, friendlyID string) (*models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range m.runs {
		if run.FriendlyID == friendlyID {
			cp := *run
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindRunByIdempotencyKey(_ context.Context, environmentID, key string) (*models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range m.runs {
		if run.EnvironmentID == environmentID && run.IdempotencyKey.Valid && run.IdempotencyKey.String == key {
			cp := *run
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TransitionRun(_ context.Context, id string, from []models.RunStatus, to models.RunStatus, mut RunMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return false, nil
	}

	eligible := false
	for _, status := range from {
		if run.Status == status {
			eligible = true
			break
		}
	}
	if !eligible {
		return false, nil
	}

	run.Status = to
	if mut.AttemptNumber != nil {
		run.AttemptNumber = *mut.AttemptNumber
	}
	if mut.Output.Valid {
		run.Output = mut.Output
	}
	if mut.ErrorKind.Valid {
		run.ErrorKind = mut.ErrorKind
	}
	if mut.ErrorMessage.Valid {
		run.ErrorMessage = mut.ErrorMessage
	}
	if mut.QueuedAt.Valid {
		run.QueuedAt = mut.QueuedAt
	}
	if mut.StartedAt.Valid {
		run.StartedAt = mut.StartedAt
	}
	if mut.CompletedAt.Valid {
		run.CompletedAt = mut.CompletedAt
	}
	return true, nil
}

func (m *Memory) ListRunsPendingVersion(_ context.Context, environmentID string, limit int) ([]models.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []models.TaskRun
	for _, run := range m.runs {
		if run.EnvironmentID == environmentID && run.Status == models.RunStatusPendingVersion {
			runs = append(runs, *run)
			if len(runs) >= limit {
				break
			}
		}
	}
	return runs, nil
}

func (m *Memory) CreateSnapshot(_ context.Context, snap *models.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	m.snapshots = append(m.snapshots, &cp)
	m.snapshotSeq[snap.ID] = len(m.snapshots)
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, runID string) (*models.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].RunID == runID {
			cp := *m.snapshots[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetSnapshotByFriendlyID(_ context.Context, friendlyID string) (*models.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range m.snapshots {
		if snap.FriendlyID == friendlyID {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SnapshotsSince(_ context.Context, runID, sinceSnapshotID string) ([]models.RunSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since, ok := m.snapshotSeq[sinceSnapshotID]
	if !ok {
		return nil, ErrNotFound
	}

	var snaps []models.RunSnapshot
	for i := since; i < len(m.snapshots); i++ {
		if m.snapshots[i].RunID == runID {
			snaps = append(snaps, *m.snapshots[i])
		}
	}
	return snaps, nil
}

func (m *Memory) CreateWaitpoint(_ context.Context, wp *models.Waitpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *wp
	m.waitpoints[wp.ID] = &cp
	return nil
}

func (m *Memory) GetWaitpoint(_ context.Context, id string) (*models.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.waitpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wp
	return &cp, nil
}

func (m *Memory) GetWaitpointByFriendlyID(_ context.Context, friendlyID string) (*models.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wp := range m.waitpoints {
		if wp.FriendlyID == friendlyID {
			cp := *wp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindWaitpointByIdempotencyKey(_ context.Context, projectID, key string) (*models.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, wp := range m.waitpoints {
		if wp.ProjectID == projectID && wp.IdempotencyKey.Valid && wp.IdempotencyKey.String == key {
			cp := *wp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CompleteWaitpoint(_ context.Context, id string, output, errorKind, errorMessage null.String, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wp, ok := m.waitpoints[id]
	if !ok || wp.Status != models.WaitpointStatusPending {
		return false, nil
	}

	wp.Status = models.WaitpointStatusCompleted
	wp.Output = output
	wp.ErrorKind = errorKind
	wp.ErrorMessage = errorMessage
	wp.CompletedAt = null.TimeFrom(completedAt)
	return true, nil
}

func (m *Memory) WaitpointsCompletedByRun(_ context.Context, runID string) ([]models.Waitpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wps []models.Waitpoint
	for _, wp := range m.waitpoints {
		if wp.Type == models.WaitpointTypeRun && wp.CompletedByRunID.Valid && wp.CompletedByRunID.String == runID {
			wps = append(wps, *wp)
		}
	}
	return wps, nil
}

func (m *Memory) BlockRunWithWaitpoint(_ context.Context, runID, waitpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, link := range m.links {
		if link.RunID == runID && link.WaitpointID == waitpointID {
			return nil
		}
	}
	m.links = append(m.links, &models.RunWaitpoint{
		ID:          int64(len(m.links) + 1),
		RunID:       runID,
		WaitpointID: waitpointID,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *Memory) RunsBlockedByWaitpoint(_ context.Context, waitpointID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runIDs []string
	for _, link := range m.links {
		if link.WaitpointID == waitpointID && !link.Resolved {
			runIDs = append(runIDs, link.RunID)
		}
	}
	return runIDs, nil
}

func (m *Memory) ResolveRunWaitpoint(_ context.Context, runID, waitpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, link := range m.links {
		if link.RunID == runID && link.WaitpointID == waitpointID {
			link.Resolved = true
		}
	}
	return nil
}

func (m *Memory) OpenWaitpointCount(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, link := range m.links {
		if link.RunID != runID || link.Resolved {
			continue
		}
		if wp, ok := m.waitpoints[link.WaitpointID]; ok && wp.Status == models.WaitpointStatusPending {
			count++
		}
	}
	return count, nil
}

func (m *Memory) CreateCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.checkpoints[cp.ID] = &c
	return nil
}

func (m *Memory) GetCheckpoint(_ context.Context, id string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (m *Memory) CreateBatch(_ context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *batch
	m.batches[batch.ID] = &cp
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *batch
	return &cp, nil
}

func (m *Memory) CompleteBatchIfDone(_ context.Context, id string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok || batch.Status != models.BatchStatusPending {
		return false, nil
	}

	for _, run := range m.runs {
		if run.BatchID.Valid && run.BatchID.String == id && !run.Status.IsFinal() {
			return false, nil
		}
	}

	batch.Status = models.BatchStatusCompleted
	batch.CompletedAt = null.TimeFrom(completedAt)
	return true, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]models.TaskSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var schedules []models.TaskSchedule
	for _, s := range m.schedules {
		if s.IsActive {
			schedules = append(schedules, *s)
		}
	}
	return schedules, nil
}

func (m *Memory) UpdateScheduleLastScheduled(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.schedules[id]; ok {
		s.LastScheduledAt = null.TimeFrom(at)
		s.UpdatedAt = time.Now()
	}
	return nil
}

// AddSchedule seeds a schedule row, used by tests
func (m *Memory) AddSchedule(s models.TaskSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.schedules[s.ID] = &cp
}
