package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"runengine/internal/engine"
	"runengine/internal/models"
)

type TriggerRun struct {
	TaskIdentifier string      `json:"task_identifier"`
	EnvironmentID  string      `json:"environment_id"`
	ProjectID      string      `json:"project_id"`
	Queue          string      `json:"queue"`
	Payload        null.String `json:"payload"`
	IdempotencyKey string      `json:"idempotency_key"`
	ConcurrencyKey null.String `json:"concurrency_key"`
	MachinePreset  null.String `json:"machine_preset"`
	MaxAttempts    int         `json:"max_attempts"`
	DelayUntil     *time.Time  `json:"delay_until"`
	TTLSeconds     int64       `json:"ttl_seconds"`
	PendingVersion bool        `json:"pending_version"`

	ParentRunID              null.String `json:"parent_run_id"`
	ResumeParentOnCompletion bool        `json:"resume_parent_on_completion"`
}

func (c *TriggerRun) validate() error {
	var errs []error

	c.TaskIdentifier = strings.TrimSpace(c.TaskIdentifier)
	if c.TaskIdentifier == "" {
		errs = append(errs, errors.New("task_identifier is empty"))
	}

	c.EnvironmentID = strings.TrimSpace(c.EnvironmentID)
	if c.EnvironmentID == "" {
		errs = append(errs, errors.New("environment_id is empty"))
	}

	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("max_attempts must be >= 0"))
	}

	if c.TTLSeconds < 0 {
		errs = append(errs, errors.New("ttl_seconds must be >= 0"))
	}

	return errors.Join(errs...)
}

func (c *TriggerRun) toRequest() engine.TriggerRequest {
	return engine.TriggerRequest{
		TaskIdentifier:           c.TaskIdentifier,
		EnvironmentID:            c.EnvironmentID,
		ProjectID:                c.ProjectID,
		Queue:                    c.Queue,
		Payload:                  c.Payload,
		IdempotencyKey:           c.IdempotencyKey,
		ConcurrencyKey:           c.ConcurrencyKey,
		MachinePreset:            c.MachinePreset,
		MaxAttempts:              c.MaxAttempts,
		DelayUntil:               c.DelayUntil,
		TTL:                      time.Duration(c.TTLSeconds) * time.Second,
		PendingVersion:           c.PendingVersion,
		ParentRunID:              c.ParentRunID,
		ResumeParentOnCompletion: c.ResumeParentOnCompletion,
	}
}

type TriggerBatch struct {
	Runs []TriggerRun `json:"runs"`
}

func (c *TriggerBatch) validate() error {
	if len(c.Runs) == 0 {
		return errors.New("runs is empty")
	}

	var errs []error
	for i := range c.Runs {
		if err := c.Runs[i].validate(); err != nil {
			errs = append(errs, fmt.Errorf("run %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

type CancelRun struct {
	Reason string `json:"reason"`
}

type RunDetails struct {
	ID             string      `json:"id"`
	FriendlyID     string      `json:"friendly_id"`
	Status         string      `json:"status"`
	TaskIdentifier string      `json:"task_identifier"`
	Queue          string      `json:"queue"`
	EnvironmentID  string      `json:"environment_id"`
	ProjectID      string      `json:"project_id"`
	AttemptNumber  int         `json:"attempt_number"`
	MaxAttempts    int         `json:"max_attempts"`
	Payload        null.String `json:"payload"`
	Output         null.String `json:"output"`
	ErrorKind      null.String `json:"error_kind"`
	ErrorMessage   null.String `json:"error_message"`
	CreatedAt      time.Time   `json:"created_at"`
	QueuedAt       null.Time   `json:"queued_at"`
	StartedAt      null.Time   `json:"started_at"`
	CompletedAt    null.Time   `json:"completed_at"`
}

func newRunDetails(run *models.TaskRun) RunDetails {
	return RunDetails{
		ID:             run.ID,
		FriendlyID:     run.FriendlyID,
		Status:         string(run.Status),
		TaskIdentifier: run.TaskIdentifier,
		Queue:          run.Queue,
		EnvironmentID:  run.EnvironmentID,
		ProjectID:      run.ProjectID,
		AttemptNumber:  run.AttemptNumber,
		MaxAttempts:    run.MaxAttempts,
		Payload:        run.Payload,
		Output:         run.Output,
		ErrorKind:      run.ErrorKind,
		ErrorMessage:   run.ErrorMessage,
		CreatedAt:      run.CreatedAt,
		QueuedAt:       run.QueuedAt,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
	}
}

type SnapshotDetails struct {
	ID            string      `json:"id"`
	FriendlyID    string      `json:"friendly_id"`
	RunID         string      `json:"run_id"`
	RunStatus     string      `json:"run_status"`
	Status        string      `json:"status"`
	Description   string      `json:"description"`
	CheckpointID  null.String `json:"checkpoint_id"`
	AttemptNumber int         `json:"attempt_number"`
	CreatedAt     time.Time   `json:"created_at"`
}

func newSnapshotDetails(snap *models.RunSnapshot) SnapshotDetails {
	return SnapshotDetails{
		ID:            snap.ID,
		FriendlyID:    snap.FriendlyID,
		RunID:         snap.RunID,
		RunStatus:     string(snap.RunStatus),
		Status:        string(snap.Status),
		Description:   snap.Description,
		CheckpointID:  snap.CheckpointID,
		AttemptNumber: snap.AttemptNumber,
		CreatedAt:     snap.CreatedAt,
	}
}

type CheckpointDetails struct {
	ID         string      `json:"id"`
	FriendlyID string      `json:"friendly_id"`
	RunID      string      `json:"run_id"`
	SnapshotID string      `json:"snapshot_id"`
	Type       string      `json:"type"`
	Location   string      `json:"location"`
	ImageRef   null.String `json:"image_ref"`
	Reason     null.String `json:"reason"`
}

func newCheckpointDetails(cp *models.Checkpoint) *CheckpointDetails {
	if cp == nil {
		return nil
	}
	return &CheckpointDetails{
		ID:         cp.ID,
		FriendlyID: cp.FriendlyID,
		RunID:      cp.RunID,
		SnapshotID: cp.SnapshotID,
		Type:       cp.Type,
		Location:   cp.Location,
		ImageRef:   cp.ImageRef,
		Reason:     cp.Reason,
	}
}

type WaitpointDetails struct {
	ID           string      `json:"id"`
	FriendlyID   string      `json:"friendly_id"`
	Type         string      `json:"type"`
	Status       string      `json:"status"`
	ProjectID    string      `json:"project_id"`
	Output       null.String `json:"output"`
	ErrorKind    null.String `json:"error_kind"`
	ErrorMessage null.String `json:"error_message"`
	TimeoutAt    null.Time   `json:"timeout_at"`
	CompletedAt  null.Time   `json:"completed_at"`
}

func newWaitpointDetails(wp *models.Waitpoint) WaitpointDetails {
	return WaitpointDetails{
		ID:           wp.ID,
		FriendlyID:   wp.FriendlyID,
		Type:         string(wp.Type),
		Status:       string(wp.Status),
		ProjectID:    wp.ProjectID,
		Output:       wp.Output,
		ErrorKind:    wp.ErrorKind,
		ErrorMessage: wp.ErrorMessage,
		TimeoutAt:    wp.TimeoutAt,
		CompletedAt:  wp.CompletedAt,
	}
}

type CreateWaitpoint struct {
	ProjectID      string     `json:"project_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	TimeoutAt      *time.Time `json:"timeout_at"`
}

func (c *CreateWaitpoint) validate() error {
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	if c.ProjectID == "" {
		return errors.New("project_id is empty")
	}
	return nil
}

type CompleteWaitpoint struct {
	Output       null.String `json:"output"`
	ErrorKind    null.String `json:"error_kind"`
	ErrorMessage null.String `json:"error_message"`
}

// Executor protocol payloads

type DequeueRequest struct {
	EnvironmentID string `json:"environment_id"`
	Queue         string `json:"queue"`
	WorkerID      string `json:"worker_id"`
}

func (c *DequeueRequest) validate() error {
	var errs []error
	if strings.TrimSpace(c.EnvironmentID) == "" {
		errs = append(errs, errors.New("environment_id is empty"))
	}
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "default"
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		errs = append(errs, errors.New("worker_id is empty"))
	}
	return errors.Join(errs...)
}

type DequeueResponse struct {
	Run        RunDetails         `json:"run"`
	Snapshot   SnapshotDetails    `json:"snapshot"`
	Checkpoint *CheckpointDetails `json:"checkpoint,omitempty"`
}

// RunID and SnapshotID in the executor payloads are friendly ids, the
// public identifiers the dequeue response hands out
type StartAttempt struct {
	RunID       string `json:"run_id"`
	SnapshotID  string `json:"snapshot_id"`
	WorkerID    string `json:"worker_id"`
	IsWarmStart bool   `json:"is_warm_start"`
}

type RestoreRun struct {
	WorkerID string `json:"worker_id"`
}

type StartAttemptResponse struct {
	Run      RunDetails      `json:"run"`
	Snapshot SnapshotDetails `json:"snapshot"`
}

type CompleteAttempt struct {
	RunID        string      `json:"run_id"`
	SnapshotID   string      `json:"snapshot_id"`
	Ok           bool        `json:"ok"`
	Output       null.String `json:"output"`
	ErrorKind    null.String `json:"error_kind"`
	ErrorMessage null.String `json:"error_message"`
	Retryable    bool        `json:"retryable"`
}

type WaitForDuration struct {
	RunID      string    `json:"run_id"`
	SnapshotID string    `json:"snapshot_id"`
	WakeAt     time.Time `json:"wake_at"`
}

func (c *WaitForDuration) validate() error {
	if c.WakeAt.IsZero() {
		return errors.New("wake_at is required")
	}
	return nil
}

type WaitForDurationResponse struct {
	Waitpoint   WaitpointDetails `json:"waitpoint"`
	Snapshot    SnapshotDetails  `json:"snapshot"`
	Suspendable bool             `json:"suspendable"`
}

type SuspendRun struct {
	Type     string      `json:"type"`
	Location string      `json:"location"`
	ImageRef null.String `json:"image_ref"`
	Reason   null.String `json:"reason"`
}

func (c *SuspendRun) validate() error {
	var errs []error
	if strings.TrimSpace(c.Type) == "" {
		errs = append(errs, errors.New("type is empty"))
	}
	if strings.TrimSpace(c.Location) == "" {
		errs = append(errs, errors.New("location is empty"))
	}
	return errors.Join(errs...)
}

type CreateCheckpointResponse struct {
	Checkpoint CheckpointDetails `json:"checkpoint"`
	Snapshot   SnapshotDetails   `json:"snapshot"`
}

type HeartbeatResponse struct {
	CancelRequested bool `json:"cancel_requested"`
	SnapshotStale   bool `json:"snapshot_stale"`
}
