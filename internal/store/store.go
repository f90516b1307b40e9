package store

import (
	"context"
	"errors"
	"time"

	"github.com/guregu/null/v6"
	"runengine/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("record not found")

// RunMutation carries the optional column updates applied together with a
// status transition. Nil/invalid fields leave the column untouched.
type RunMutation struct {
	AttemptNumber *int
	Output        null.String
	ErrorKind     null.String
	ErrorMessage  null.String
	QueuedAt      null.Time
	StartedAt     null.Time
	CompletedAt   null.Time
}

// Store is the durable source of truth for run, snapshot, waitpoint, batch
// and schedule state. All run mutations go through conditional updates so
// that racing writers cannot clobber a transition that already happened.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *models.TaskRun) error
	GetRun(ctx context.Context, id string) (*models.TaskRun, error)
	GetRunByFriendlyID(ctx context.Context, friendlyID string) (*models.TaskRun, error)
	FindRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*models.TaskRun, error)
	// TransitionRun atomically moves a run from any of the given statuses to
	// the target status, applying the mutation. Returns false when the run
	// was not in an eligible status (the caller treats that as a no-op).
	TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, mut RunMutation) (bool, error)
	ListRunsPendingVersion(ctx context.Context, environmentID string, limit int) ([]models.TaskRun, error)

	// Snapshot operations. Snapshots are append-only.
	CreateSnapshot(ctx context.Context, snap *models.RunSnapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error)
	GetSnapshotByFriendlyID(ctx context.Context, friendlyID string) (*models.RunSnapshot, error)
	SnapshotsSince(ctx context.Context, runID, sinceSnapshotID string) ([]models.RunSnapshot, error)

	// Waitpoint operations
	CreateWaitpoint(ctx context.Context, wp *models.Waitpoint) error
	GetWaitpoint(ctx context.Context, id string) (*models.Waitpoint, error)
	GetWaitpointByFriendlyID(ctx context.Context, friendlyID string) (*models.Waitpoint, error)
	FindWaitpointByIdempotencyKey(ctx context.Context, projectID, key string) (*models.Waitpoint, error)
	// CompleteWaitpoint moves PENDING -> COMPLETED once. Returns false when
	// the waitpoint was already completed.
	CompleteWaitpoint(ctx context.Context, id string, output, errorKind, errorMessage null.String, completedAt time.Time) (bool, error)
	WaitpointsCompletedByRun(ctx context.Context, runID string) ([]models.Waitpoint, error)

	// Run/waitpoint links
	BlockRunWithWaitpoint(ctx context.Context, runID, waitpointID string) error
	RunsBlockedByWaitpoint(ctx context.Context, waitpointID string) ([]string, error)
	ResolveRunWaitpoint(ctx context.Context, runID, waitpointID string) error
	OpenWaitpointCount(ctx context.Context, runID string) (int, error)

	// Checkpoint operations
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error)

	// Batch operations
	CreateBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	// CompleteBatchIfDone marks the batch COMPLETED when every member run is
	// terminal. Returns true when this call completed it.
	CompleteBatchIfDone(ctx context.Context, id string, completedAt time.Time) (bool, error)

	// Schedule operations
	ListSchedules(ctx context.Context) ([]models.TaskSchedule, error)
	UpdateScheduleLastScheduled(ctx context.Context, id int64, at time.Time) error
}
