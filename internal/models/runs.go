package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/guregu/null/v6"
)

// This file contains all the models under the `task` schema

type RunStatus string

const (
	// RunStatusPendingVersion means the run was triggered against a task
	// identifier that has no deployed version yet. queueRunsPendingVersion
	// moves these to QUEUED once a version lands.
	RunStatusPendingVersion RunStatus = "PENDING_VERSION"
	// RunStatusDelayed means the run has a delay and has not been enqueued yet
	RunStatusDelayed RunStatus = "DELAYED"
	// RunStatusQueued means the run is waiting to be dequeued by an executor
	RunStatusQueued RunStatus = "QUEUED"
	// RunStatusExecuting means an attempt is currently running
	RunStatusExecuting RunStatus = "EXECUTING"
	// RunStatusExecutingWithWaitpoints means the running attempt is blocked
	// on one or more open waitpoints
	RunStatusExecutingWithWaitpoints RunStatus = "EXECUTING_WITH_WAITPOINTS"
	// RunStatusSuspended means the executor checkpointed and released compute
	RunStatusSuspended RunStatus = "SUSPENDED"

	RunStatusCompletedSuccessfully RunStatus = "COMPLETED_SUCCESSFULLY"
	RunStatusCompletedWithErrors   RunStatus = "COMPLETED_WITH_ERRORS"
	RunStatusCanceled              RunStatus = "CANCELED"
	RunStatusInterrupted           RunStatus = "INTERRUPTED"
	RunStatusSystemFailure         RunStatus = "SYSTEM_FAILURE"
	RunStatusCrashed               RunStatus = "CRASHED"
	RunStatusExpired               RunStatus = "EXPIRED"
	RunStatusTimedOut              RunStatus = "TIMED_OUT"
)

// TerminalRunStatuses lists every status that is a sink for the run state
// machine
var TerminalRunStatuses = []RunStatus{
	RunStatusCompletedSuccessfully,
	RunStatusCompletedWithErrors,
	RunStatusCanceled,
	RunStatusInterrupted,
	RunStatusSystemFailure,
	RunStatusCrashed,
	RunStatusExpired,
	RunStatusTimedOut,
}

// IsFinal reports whether the status is terminal. Terminal is a sink: no
// state machine operation may move a run out of a terminal status.
func (s RunStatus) IsFinal() bool {
	switch s {
	case RunStatusCompletedSuccessfully, RunStatusCompletedWithErrors,
		RunStatusCanceled, RunStatusInterrupted, RunStatusSystemFailure,
		RunStatusCrashed, RunStatusExpired, RunStatusTimedOut:
		return true
	}
	return false
}

// IsExecuting reports whether an executor currently owns an attempt
func (s RunStatus) IsExecuting() bool {
	return s == RunStatusExecuting || s == RunStatusExecutingWithWaitpoints
}

// IsDequeueable reports whether the run may be handed to an executor
func (s RunStatus) IsDequeueable() bool {
	return s == RunStatusQueued
}

// TaskRun is a model representing the `task.run` table. A run is one
// execution request for a task; it is created at trigger time and only ever
// mutated through the engine state machine, under the run locker.
type TaskRun struct {
	ID             string      `db:"id"`
	FriendlyID     string      `db:"friendly_id"`
	Status         RunStatus   `db:"status"`
	TaskIdentifier string      `db:"task_identifier"`
	Queue          string      `db:"queue"`
	ConcurrencyKey null.String `db:"concurrency_key"`
	EnvironmentID  string      `db:"environment_id"`
	ProjectID      string      `db:"project_id"`
	MachinePreset  null.String `db:"machine_preset"`
	AttemptNumber  int         `db:"attempt_number"`
	MaxAttempts    int         `db:"max_attempts"`
	ParentRunID    null.String `db:"parent_run_id"`
	BatchID        null.String `db:"batch_id"`
	IdempotencyKey null.String `db:"idempotency_key"`
	Payload        null.String `db:"payload"`
	Output         null.String `db:"output"`
	ErrorKind      null.String `db:"error_kind"`
	ErrorMessage   null.String `db:"error_message"`
	DelayUntil     null.Time   `db:"delay_until"`
	ExpiresAt      null.Time   `db:"expires_at"`
	CreatedAt      time.Time   `db:"created_at"`
	QueuedAt       null.Time   `db:"queued_at"`
	StartedAt      null.Time   `db:"started_at"`
	CompletedAt    null.Time   `db:"completed_at"`
}

type SnapshotStatus string

const (
	SnapshotStatusRunCreated             SnapshotStatus = "RUN_CREATED"
	SnapshotStatusQueued                 SnapshotStatus = "QUEUED"
	SnapshotStatusPendingExecuting       SnapshotStatus = "PENDING_EXECUTING"
	SnapshotStatusExecuting              SnapshotStatus = "EXECUTING"
	SnapshotStatusExecutingWithWaitpoint SnapshotStatus = "EXECUTING_WITH_WAITPOINTS"
	SnapshotStatusSuspended              SnapshotStatus = "SUSPENDED"
	SnapshotStatusPendingCancel          SnapshotStatus = "PENDING_CANCEL"
	SnapshotStatusFinished               SnapshotStatus = "FINISHED"
)

// RunSnapshot is a model representing the `task.run_snapshot` table.
// Snapshots are append-only: a transition inserts a new row and never touches
// the previous one. The most recently created row is the authoritative answer
// to "what is this run doing right now".
type RunSnapshot struct {
	ID            string         `db:"id"`
	FriendlyID    string         `db:"friendly_id"`
	RunID         string         `db:"run_id"`
	RunStatus     RunStatus      `db:"run_status"`
	Status        SnapshotStatus `db:"status"`
	Description   string         `db:"description"`
	CheckpointID  null.String    `db:"checkpoint_id"`
	WorkerID      null.String    `db:"worker_id"`
	AttemptNumber int            `db:"attempt_number"`
	CreatedAt     time.Time      `db:"created_at"`
}

type WaitpointType string

const (
	WaitpointTypeRun      WaitpointType = "RUN"
	WaitpointTypeDateTime WaitpointType = "DATETIME"
	WaitpointTypeManual   WaitpointType = "MANUAL"
)

type WaitpointStatus string

const (
	WaitpointStatusPending   WaitpointStatus = "PENDING"
	WaitpointStatusCompleted WaitpointStatus = "COMPLETED"
)

// Waitpoint is a model representing the `task.waitpoint` table. A waitpoint
// transitions PENDING -> COMPLETED exactly once; completing a COMPLETED
// waitpoint is a no-op.
type Waitpoint struct {
	ID               string          `db:"id"`
	FriendlyID       string          `db:"friendly_id"`
	Type             WaitpointType   `db:"type"`
	Status           WaitpointStatus `db:"status"`
	ProjectID        string          `db:"project_id"`
	IdempotencyKey   null.String     `db:"idempotency_key"`
	CompletedAfter   null.Time       `db:"completed_after"`
	CompletedByRunID null.String     `db:"completed_by_run_id"`
	TimeoutAt        null.Time       `db:"timeout_at"`
	Output           null.String     `db:"output"`
	ErrorKind        null.String     `db:"error_kind"`
	ErrorMessage     null.String     `db:"error_message"`
	CreatedAt        time.Time       `db:"created_at"`
	CompletedAt      null.Time       `db:"completed_at"`
}

// RunWaitpoint is a model representing the `task.run_waitpoint` join table:
// "this run is blocked by this waitpoint"
type RunWaitpoint struct {
	ID          int64     `db:"id"`
	RunID       string    `db:"run_id"`
	WaitpointID string    `db:"waitpoint_id"`
	Resolved    bool      `db:"resolved"`
	CreatedAt   time.Time `db:"created_at"`
}

// Checkpoint is a model representing the `task.checkpoint` table. The
// artifact itself lives in the image store; this row only holds the
// reference plus the snapshot it was taken from.
type Checkpoint struct {
	ID         string      `db:"id"`
	FriendlyID string      `db:"friendly_id"`
	RunID      string      `db:"run_id"`
	SnapshotID string      `db:"snapshot_id"`
	Type       string      `db:"type"`
	Location   string      `db:"location"`
	ImageRef   null.String `db:"image_ref"`
	Reason     null.String `db:"reason"`
	CreatedAt  time.Time   `db:"created_at"`
}

type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "PENDING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
)

// Batch is a model representing the `task.batch` table
type Batch struct {
	ID          string      `db:"id"`
	FriendlyID  string      `db:"friendly_id"`
	Status      BatchStatus `db:"status"`
	RunCount    int         `db:"run_count"`
	CreatedAt   time.Time   `db:"created_at"`
	CompletedAt null.Time   `db:"completed_at"`
}

// TaskSchedule is a model representing the `task.schedule` table
type TaskSchedule struct {
	ID              int64       `db:"id"`
	TaskIdentifier  string      `db:"task_identifier"`
	CronExpression  string      `db:"cron_expression"`
	Timezone        string      `db:"timezone"`
	EnvironmentID   string      `db:"environment_id"`
	ProjectID       string      `db:"project_id"`
	Queue           string      `db:"queue"`
	IsActive        bool        `db:"is_active"`
	LastScheduledAt null.Time   `db:"last_scheduled_at"`
	InstanceID      null.String `db:"instance_id"`
	CreatedAt       time.Time   `db:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"`
}

// FriendlyID builds a prefixed human-readable id, e.g. run_9f86d081c3a4
func FriendlyID(prefix string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return prefix + "_" + hex.EncodeToString(buf)
}
