package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"runengine/internal/models"
)

// Postgres implements Store on top of the `task` schema
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an existing database handle
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CreateRun(ctx context.Context, run *models.TaskRun) error {
	query := `
INSERT INTO task.run
    (id, friendly_id, status, task_identifier, queue, concurrency_key, environment_id, project_id,
     machine_preset, attempt_number, max_attempts, parent_run_id, batch_id, idempotency_key,
     payload, delay_until, expires_at, created_at, queued_at)
VALUES
    (:id, :friendly_id, :status, :task_identifier, :queue, :concurrency_key, :environment_id, :project_id,
     :machine_preset, :attempt_number, :max_attempts, :parent_run_id, :batch_id, :idempotency_key,
     :payload, :delay_until, :expires_at, :created_at, :queued_at)`

	_, err := p.db.NamedExecContext(ctx, query, run)
	return err
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*models.TaskRun, error) {
	var run models.TaskRun
	err := p.db.GetContext(ctx, &run, `SELECT * FROM task.run WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *Postgres) GetRunByFriendlyID(ctx context.Context, friendlyID string) (*models.TaskRun, error) {
	var run models.TaskRun
	err := p.db.GetContext(ctx, &run, `SELECT * FROM task.run WHERE friendly_id = $1`, friendlyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *Postgres) FindRunByIdempotencyKey(ctx context.Context, environmentID, key string) (*models.TaskRun, error) {
	var run models.TaskRun
	err := p.db.GetContext(ctx, &run,
		`SELECT * FROM task.run WHERE environment_id = $1 AND idempotency_key = $2`,
		environmentID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *Postgres) TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, mut RunMutation) (bool, error) {
	var attempt any
	if mut.AttemptNumber != nil {
		attempt = *mut.AttemptNumber
	}

	query, args, err := sqlx.In(`
UPDATE task.run
SET status         = ?,
    attempt_number = COALESCE(?, attempt_number),
    output         = COALESCE(?, output),
    error_kind     = COALESCE(?, error_kind),
    error_message  = COALESCE(?, error_message),
    queued_at      = COALESCE(?, queued_at),
    started_at     = COALESCE(?, started_at),
    completed_at   = COALESCE(?, completed_at)
WHERE id = ? AND status IN (?)`,
		to, attempt, mut.Output, mut.ErrorKind, mut.ErrorMessage,
		mut.QueuedAt, mut.StartedAt, mut.CompletedAt, id, from)
	if err != nil {
		return false, err
	}

	res, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ListRunsPendingVersion(ctx context.Context, environmentID string, limit int) ([]models.TaskRun, error) {
	var runs []models.TaskRun
	err := p.db.SelectContext(ctx, &runs, `
SELECT * FROM task.run
WHERE environment_id = $1 AND status = $2
ORDER BY created_at
LIMIT $3`, environmentID, models.RunStatusPendingVersion, limit)
	return runs, err
}

func (p *Postgres) CreateSnapshot(ctx context.Context, snap *models.RunSnapshot) error {
	query := `
INSERT INTO task.run_snapshot
    (id, friendly_id, run_id, run_status, status, description, checkpoint_id, worker_id, attempt_number, created_at)
VALUES
    (:id, :friendly_id, :run_id, :run_status, :status, :description, :checkpoint_id, :worker_id, :attempt_number, :created_at)`

	_, err := p.db.NamedExecContext(ctx, query, snap)
	return err
}

func (p *Postgres) LatestSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	var snap models.RunSnapshot
	err := p.db.GetContext(ctx, &snap, `
SELECT * FROM task.run_snapshot
WHERE run_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *Postgres) GetSnapshotByFriendlyID(ctx context.Context, friendlyID string) (*models.RunSnapshot, error) {
	var snap models.RunSnapshot
	err := p.db.GetContext(ctx, &snap, `SELECT * FROM task.run_snapshot WHERE friendly_id = $1`, friendlyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (p *Postgres) SnapshotsSince(ctx context.Context, runID, sinceSnapshotID string) ([]models.RunSnapshot, error) {
	var snaps []models.RunSnapshot
	err := p.db.SelectContext(ctx, &snaps, `
SELECT * FROM task.run_snapshot
WHERE run_id = $1
  AND created_at > (SELECT created_at FROM task.run_snapshot WHERE id = $2)
ORDER BY created_at, id`, runID, sinceSnapshotID)
	return snaps, err
}

func (p *Postgres) CreateWaitpoint(ctx context.Context, wp *models.Waitpoint) error {
	query := `
INSERT INTO task.waitpoint
    (id, friendly_id, type, status, project_id, idempotency_key, completed_after,
     completed_by_run_id, timeout_at, created_at)
VALUES
    (:id, :friendly_id, :type, :status, :project_id, :idempotency_key, :completed_after,
     :completed_by_run_id, :timeout_at, :created_at)`

	_, err := p.db.NamedExecContext(ctx, query, wp)
	return err
}

func (p *Postgres) GetWaitpoint(ctx context.Context, id string) (*models.Waitpoint, error) {
	var wp models.Waitpoint
	err := p.db.GetContext(ctx, &wp, `SELECT * FROM task.waitpoint WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &wp, nil
}

func (p *Postgres) GetWaitpointByFriendlyID(ctx context.Context, friendlyID string) (*models.Waitpoint, error) {
	var wp models.Waitpoint
	err := p.db.GetContext(ctx, &wp, `SELECT * FROM task.waitpoint WHERE friendly_id = $1`, friendlyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &wp, nil
}

func (p *Postgres) FindWaitpointByIdempotencyKey(ctx context.Context, projectID, key string) (*models.Waitpoint, error) {
	var wp models.Waitpoint
	err := p.db.GetContext(ctx, &wp,
		`SELECT * FROM task.waitpoint WHERE project_id = $1 AND idempotency_key = $2`,
		projectID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &wp, nil
}

func (p *Postgres) CompleteWaitpoint(ctx context.Context, id string, output, errorKind, errorMessage null.String, completedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
UPDATE task.waitpoint
SET status        = $2,
    output        = $3,
    error_kind    = $4,
    error_message = $5,
    completed_at  = $6
WHERE id = $1 AND status = $7`,
		id, models.WaitpointStatusCompleted, output, errorKind, errorMessage, completedAt,
		models.WaitpointStatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) WaitpointsCompletedByRun(ctx context.Context, runID string) ([]models.Waitpoint, error) {
	var wps []models.Waitpoint
	err := p.db.SelectContext(ctx, &wps, `
SELECT * FROM task.waitpoint
WHERE completed_by_run_id = $1 AND type = $2`, runID, models.WaitpointTypeRun)
	return wps, err
}

func (p *Postgres) BlockRunWithWaitpoint(ctx context.Context, runID, waitpointID string) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO task.run_waitpoint (run_id, waitpoint_id, resolved, created_at)
VALUES ($1, $2, FALSE, NOW())
ON CONFLICT (run_id, waitpoint_id) DO NOTHING`, runID, waitpointID)
	return err
}

func (p *Postgres) RunsBlockedByWaitpoint(ctx context.Context, waitpointID string) ([]string, error) {
	var runIDs []string
	err := p.db.SelectContext(ctx, &runIDs, `
SELECT run_id FROM task.run_waitpoint
WHERE waitpoint_id = $1 AND resolved = FALSE
ORDER BY created_at`, waitpointID)
	return runIDs, err
}

func (p *Postgres) ResolveRunWaitpoint(ctx context.Context, runID, waitpointID string) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE task.run_waitpoint
SET resolved = TRUE
WHERE run_id = $1 AND waitpoint_id = $2`, runID, waitpointID)
	return err
}

func (p *Postgres) OpenWaitpointCount(ctx context.Context, runID string) (int, error) {
	var count int
	err := p.db.GetContext(ctx, &count, `
SELECT COUNT(*)
FROM task.run_waitpoint rw
JOIN task.waitpoint w ON w.id = rw.waitpoint_id
WHERE rw.run_id = $1 AND rw.resolved = FALSE AND w.status = $2`,
		runID, models.WaitpointStatusPending)
	return count, err
}

func (p *Postgres) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	query := `
INSERT INTO task.checkpoint
    (id, friendly_id, run_id, snapshot_id, type, location, image_ref, reason, created_at)
VALUES
    (:id, :friendly_id, :run_id, :snapshot_id, :type, :location, :image_ref, :reason, :created_at)`

	_, err := p.db.NamedExecContext(ctx, query, cp)
	return err
}

func (p *Postgres) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := p.db.GetContext(ctx, &cp, `SELECT * FROM task.checkpoint WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (p *Postgres) CreateBatch(ctx context.Context, batch *models.Batch) error {
	query := `
INSERT INTO task.batch (id, friendly_id, status, run_count, created_at)
VALUES (:id, :friendly_id, :status, :run_count, :created_at)`

	_, err := p.db.NamedExecContext(ctx, query, batch)
	return err
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	var batch models.Batch
	err := p.db.GetContext(ctx, &batch, `SELECT * FROM task.batch WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (p *Postgres) CompleteBatchIfDone(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	query, args, err := sqlx.In(`
UPDATE task.batch
SET status = ?, completed_at = ?
WHERE id = ?
  AND status = ?
  AND NOT EXISTS (
      SELECT 1 FROM task.run
      WHERE batch_id = ? AND status NOT IN (?)
  )`,
		models.BatchStatusCompleted, completedAt, id, models.BatchStatusPending,
		id, models.TerminalRunStatuses)
	if err != nil {
		return false, err
	}

	res, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) ListSchedules(ctx context.Context) ([]models.TaskSchedule, error) {
	var schedules []models.TaskSchedule
	err := p.db.SelectContext(ctx, &schedules, `
SELECT * FROM task.schedule
WHERE is_active = TRUE
ORDER BY id`)
	return schedules, err
}

func (p *Postgres) UpdateScheduleLastScheduled(ctx context.Context, id int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE task.schedule
SET last_scheduled_at = $2, updated_at = NOW()
WHERE id = $1`, id, at)
	return err
}
