package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"neonsched/internal/cronspec"
	"neonsched/internal/models"
)

var (
	// ErrInvalid wraps rejected schedule definitions so callers can map them
	// to a client error.
	ErrInvalid          = errors.New("invalid schedule")
	ErrUnknownAgent     = errors.New("unknown agent type")
	ErrScheduleDisabled = errors.New("schedule is disabled")
)

// CreateSchedule validates the definition, fills defaults, persists it and
// arms its cron entry if the scheduler is running.
func (s *Scheduler) CreateSchedule(ctx context.Context, job *models.Schedule) error {
	if err := s.validate(job); err != nil {
		return err
	}

	now := time.Now().UTC()
	job.ID = uuid.NewString()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.TotalRuns, job.SuccessRuns, job.FailureRuns = 0, 0, 0
	job.LastRunAt = nil

	next, err := cronspec.Next(job.Expression, job.Timezone, now)
	if err != nil {
		return err
	}
	job.NextRunAt = &next

	if err := s.schedules.Create(ctx, job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && job.Enabled {
		if err := s.armLocked(*job); err != nil {
			return err
		}
	}
	s.log.Info().Str("schedule_id", job.ID).Str("schedule", job.Name).Str("agent", job.AgentType).Str("expression", job.Expression).Msg("schedule created")
	return nil
}

// UpdateSchedule replaces the stored definition and re-arms the cron entry
// with the new snapshot.
func (s *Scheduler) UpdateSchedule(ctx context.Context, job *models.Schedule) error {
	if err := s.validate(job); err != nil {
		return err
	}

	current, err := s.schedules.Get(ctx, job.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = now
	job.TotalRuns = current.TotalRuns
	job.SuccessRuns = current.SuccessRuns
	job.FailureRuns = current.FailureRuns
	job.LastRunAt = current.LastRunAt

	next, err := cronspec.Next(job.Expression, job.Timezone, now)
	if err != nil {
		return err
	}
	job.NextRunAt = &next

	if err := s.schedules.Update(ctx, job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.disarmLocked(job.ID)
		if job.Enabled {
			if err := s.armLocked(*job); err != nil {
				return err
			}
		}
	}
	s.log.Info().Str("schedule_id", job.ID).Str("schedule", job.Name).Msg("schedule updated")
	return nil
}

// DeleteSchedule removes the definition and its execution history.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.schedules.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.disarmLocked(id)
	s.mu.Unlock()
	s.log.Info().Str("schedule_id", id).Msg("schedule deleted")
	return nil
}

// PauseSchedule disables the schedule and removes its cron entry. Paused
// schedules keep their definition and history.
func (s *Scheduler) PauseSchedule(ctx context.Context, id string) error {
	if err := s.schedules.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.disarmLocked(id)
	s.mu.Unlock()
	s.log.Info().Str("schedule_id", id).Msg("schedule paused")
	return nil
}

// ResumeSchedule re-enables the schedule and arms it again.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id string) error {
	if err := s.schedules.SetEnabled(ctx, id, true); err != nil {
		return err
	}
	job, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		if err := s.armLocked(*job); err != nil {
			return err
		}
	}
	s.log.Info().Str("schedule_id", id).Msg("schedule resumed")
	return nil
}

// RunNow triggers an immediate out-of-band run. The tick goes through the
// same budget gate, worker pool and retry path as a cron tick.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	job, err := s.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Enabled {
		return ErrScheduleDisabled
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("scheduler is not running")
	}

	snapshot := *job
	go s.dispatch(snapshot)
	s.log.Info().Str("schedule_id", id).Str("schedule", job.Name).Msg("manual run triggered")
	return nil
}

// DefaultRetry returns the config retry policy for callers that need to fill
// in a definition where no policy was given.
func (s *Scheduler) DefaultRetry() models.RetryPolicy {
	return s.cfg.DefaultRetry
}

func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	return s.schedules.Get(ctx, id)
}

func (s *Scheduler) ListSchedules(ctx context.Context, page, pageSize int) (*models.Page[models.Schedule], error) {
	return s.schedules.List(ctx, page, pageSize)
}

func (s *Scheduler) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return s.executions.Get(ctx, id)
}

func (s *Scheduler) ListExecutions(ctx context.Context, scheduleID string, page, pageSize int) (*models.Page[models.Execution], error) {
	if _, err := s.schedules.Get(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.executions.ListBySchedule(ctx, scheduleID, page, pageSize)
}

// ScheduleStats aggregates the execution log for one schedule.
func (s *Scheduler) ScheduleStats(ctx context.Context, scheduleID string) (*models.ScheduleStats, error) {
	if _, err := s.schedules.Get(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.executions.ScheduleStats(ctx, scheduleID)
}

// Stats aggregates the whole execution log plus schedule counts.
func (s *Scheduler) Stats(ctx context.Context) (*models.AggregateStats, error) {
	stats, err := s.executions.AggregateStats(ctx)
	if err != nil {
		return nil, err
	}
	active, total, err := s.schedules.CountByEnabled(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveSchedules = active
	stats.TotalSchedules = total
	return stats, nil
}

// validate checks the user-controlled parts of a definition and fills retry
// and timeout defaults from the scheduler config.
func (s *Scheduler) validate(job *models.Schedule) error {
	job.Name = strings.TrimSpace(job.Name)
	job.AgentType = strings.TrimSpace(job.AgentType)
	job.Expression = strings.TrimSpace(job.Expression)
	job.Timezone = strings.TrimSpace(job.Timezone)

	if job.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if job.AgentType == "" {
		return fmt.Errorf("%w: agent type required", ErrInvalid)
	}
	if !s.registry.Exists(job.AgentType) {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, job.AgentType)
	}
	if job.Timezone == "" {
		job.Timezone = s.cfg.Timezone
	}
	if err := cronspec.Validate(job.Expression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cronspec.ValidateTimezone(job.Timezone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if job.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
	}

	// MaxRetries is taken as given: zero means no retries. Only the delay
	// shape, which has no meaningful zero, falls back to the config policy.
	def := s.cfg.DefaultRetry
	if job.BaseDelayMS <= 0 {
		job.BaseDelayMS = def.BaseDelay.Milliseconds()
	}
	if job.Multiplier < 1 {
		job.Multiplier = def.Multiplier
	}
	if job.MaxDelayMS <= 0 {
		job.MaxDelayMS = def.MaxDelay.Milliseconds()
	}
	if job.TimeoutMS <= 0 {
		job.TimeoutMS = s.cfg.DefaultTimeout.Milliseconds()
	}
	return nil
}
