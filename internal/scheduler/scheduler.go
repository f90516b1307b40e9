// Package scheduler turns cron schedules into triggered runs. Every engine
// instance runs a scheduler; the deterministic jitter spreads their firing
// times inside a window and the trigger idempotency key keeps an occurrence
// from producing more than one run.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"runengine/internal/engine"
	"runengine/internal/models"
	"runengine/internal/schedule"
	"runengine/internal/store"
)

type Config struct {
	// JitterWindowSeconds is the width of the pre-fire window occurrences
	// are spread over
	JitterWindowSeconds int           `mapstructure:"jitter_window_sec"`
	PollInterval        time.Duration `mapstructure:"-"`
}

type TaskScheduler struct {
	store      store.Store
	engine     *engine.Engine
	instanceID string
	config     Config

	// Used for the poll loop
	isRunning  bool // checks if start has been called
	ticker     *time.Ticker
	context    context.Context
	cancelFunc context.CancelFunc
}

// NewTaskScheduler creates a new scheduler service. instanceID feeds the
// jitter hash and should be stable per process (hostname works).
func NewTaskScheduler(st store.Store, eng *engine.Engine, instanceID string, config Config) *TaskScheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	return &TaskScheduler{
		store:      st,
		engine:     eng,
		instanceID: instanceID,
		config:     config,
	}
}

// Start begins the scheduler service
func (s *TaskScheduler) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}

	s.isRunning = true
	s.context, s.cancelFunc = context.WithCancel(ctx)
	s.ticker = time.NewTicker(s.config.PollInterval)

	go func() {
		for {
			select {
			case <-s.context.Done():
				return
			case <-s.ticker.C:
				if err := s.RunDue(s.context, time.Now()); err != nil {
					log.Error().Err(err).Msg("Failed to process due schedules")
				}
			}
		}
	}()

	log.Info().
		Str("instance_id", s.instanceID).
		Dur("poll_interval", s.config.PollInterval).
		Msg("Scheduler started")
	return nil
}

// Stop stops the scheduler service
func (s *TaskScheduler) Stop() {
	if !s.isRunning {
		return
	}

	s.cancelFunc()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.isRunning = false
}

// RunDue triggers a run for every active schedule whose jittered firing
// time has arrived. Called on every poll tick; safe to call concurrently
// across instances because the trigger idempotency key pins one run per
// schedule occurrence.
func (s *TaskScheduler) RunDue(ctx context.Context, now time.Time) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	for i := range schedules {
		sched := &schedules[i]
		if !sched.IsActive {
			continue
		}
		if err := s.checkSchedule(ctx, sched, now); err != nil {
			log.Error().
				Err(err).
				Int64("schedule_id", sched.ID).
				Str("task", sched.TaskIdentifier).
				Msg("Failed to process schedule")
		}
	}
	return nil
}

func (s *TaskScheduler) checkSchedule(ctx context.Context, sched *models.TaskSchedule, now time.Time) error {
	last := sched.CreatedAt
	if sched.LastScheduledAt.Valid {
		last = sched.LastScheduledAt.Time
	}

	next, err := schedule.NextScheduledTimestamp(sched.CronExpression, sched.Timezone, last)
	if err != nil {
		return fmt.Errorf("invalid schedule %d: %w", sched.ID, err)
	}

	instanceID := s.instanceID
	if sched.InstanceID.Valid {
		instanceID = sched.InstanceID.String
	}
	fireAt := schedule.DistributedExecutionTime(next, s.config.JitterWindowSeconds, instanceID)
	if now.Before(fireAt) {
		return nil
	}

	run, err := s.engine.Trigger(ctx, engine.TriggerRequest{
		TaskIdentifier: sched.TaskIdentifier,
		EnvironmentID:  sched.EnvironmentID,
		ProjectID:      sched.ProjectID,
		Queue:          sched.Queue,
		IdempotencyKey: occurrenceKey(sched.ID, next),
	})
	if err != nil {
		return err
	}

	if err := s.store.UpdateScheduleLastScheduled(ctx, sched.ID, next); err != nil {
		return err
	}

	log.Info().
		Int64("schedule_id", sched.ID).
		Str("task", sched.TaskIdentifier).
		Str("run_id", run.ID).
		Time("occurrence", next).
		Msg("Scheduled run triggered")
	return nil
}

// occurrenceKey identifies one firing of one schedule, no matter which
// instance gets there first
func occurrenceKey(scheduleID int64, occurrence time.Time) string {
	return fmt.Sprintf("sched_%d_%d", scheduleID, occurrence.Unix())
}
