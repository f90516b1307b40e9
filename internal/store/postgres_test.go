package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runengine/internal/models"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Postgres) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return mock, NewPostgres(sqlx.NewDb(db, "pgx"))
}

func TestCreateRun(t *testing.T) {
	mock, p := setupMockDB(t)

	mock.ExpectExec("INSERT INTO task.run").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := &models.TaskRun{
		ID:             "run-1",
		FriendlyID:     "run_abc",
		Status:         models.RunStatusQueued,
		TaskIdentifier: "send-email",
		Queue:          "default",
		EnvironmentID:  "env-1",
		ProjectID:      "proj-1",
		MaxAttempts:    3,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, p.CreateRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	mock, p := setupMockDB(t)

	mock.ExpectQuery("SELECT \\* FROM task.run WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := p.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunByFriendlyID(t *testing.T) {
	mock, p := setupMockDB(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "friendly_id", "status", "task_identifier", "queue",
		"environment_id", "project_id", "attempt_number", "max_attempts", "created_at",
	}).AddRow("run-1", "run_abc", "QUEUED", "send-email", "default", "env-1", "proj-1", 0, 3, now)

	mock.ExpectQuery("SELECT \\* FROM task.run WHERE friendly_id").
		WithArgs("run_abc").
		WillReturnRows(rows)

	run, err := p.GetRunByFriendlyID(context.Background(), "run_abc")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRun(t *testing.T) {
	mock, p := setupMockDB(t)
	ctx := context.Background()

	// Guard passes: one row moved
	mock.ExpectExec("UPDATE task.run").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.TransitionRun(ctx, "run-1",
		[]models.RunStatus{models.RunStatusQueued}, models.RunStatusExecuting,
		RunMutation{StartedAt: null.TimeFrom(time.Now())})
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard fails: the run was not in any of the from statuses
	mock.ExpectExec("UPDATE task.run").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = p.TransitionRun(ctx, "run-1",
		[]models.RunStatus{models.RunStatusQueued}, models.RunStatusExecuting, RunMutation{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteWaitpointAlreadyCompleted(t *testing.T) {
	mock, p := setupMockDB(t)

	mock.ExpectExec("UPDATE task.waitpoint").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := p.CompleteWaitpoint(context.Background(), "wp-1",
		null.StringFrom(`{"done":true}`), null.String{}, null.String{}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenWaitpointCount(t *testing.T) {
	mock, p := setupMockDB(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\)").
		WithArgs("run-1", string(models.WaitpointStatusPending)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := p.OpenWaitpointCount(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBatchIfDone(t *testing.T) {
	mock, p := setupMockDB(t)

	mock.ExpectExec("UPDATE task.batch").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.CompleteBatchIfDone(context.Background(), "batch-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
