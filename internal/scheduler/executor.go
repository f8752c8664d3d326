package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"neonsched/internal/cronspec"
	"neonsched/internal/models"
	"neonsched/internal/registry"
	"neonsched/internal/state"
)

// costPayload extracts the optional spend figure handlers report in their
// result JSON.
type costPayload struct {
	Cost float64 `json:"cost"`
}

// execute runs one tick of a schedule: budget gate, then up to
// 1+MaxRetries attempts with exponential backoff between failures. Every
// attempt gets its own execution row.
func (s *Scheduler) execute(ctx context.Context, job models.Schedule) {
	ranAt := time.Now().UTC()
	nextRun, err := cronspec.Next(job.Expression, job.Timezone, ranAt)
	if err != nil {
		// Should not happen for an armed schedule; the row was validated on
		// create.
		s.log.Error().Err(err).Str("schedule_id", job.ID).Msg("failed to compute next run")
		return
	}

	log := s.log.With().
		Str("schedule_id", job.ID).
		Str("schedule", job.Name).
		Str("agent", job.AgentType).
		Logger()

	if s.budget != nil {
		over, err := s.budget.OverBudget(ctx, job.AgentType)
		if err != nil {
			log.Error().Err(err).Msg("budget check failed, proceeding")
		} else if over {
			log.Warn().Msg("monthly budget exhausted, skipping run")
			s.recordSkipped(ctx, job, ranAt)
			s.emit(outcome{scheduleID: job.ID, agentType: job.AgentType, ranAt: ranAt, nextRun: nextRun})
			return
		}
	}

	handler, ok := s.registry.Lookup(job.AgentType)
	if !ok {
		// An agent can disappear between deploys while its schedule row
		// survives. Record a failure instead of retrying a lookup that
		// cannot heal.
		log.Error().Msg("no handler registered for agent type")
		msg := fmt.Sprintf("agent %q is not registered", job.AgentType)
		s.recordFailedAttempt(ctx, job, ranAt, &msg)
		s.emit(outcome{scheduleID: job.ID, agentType: job.AgentType, ranAt: ranAt, nextRun: nextRun, terminal: true})
		return
	}

	policy := models.RetryPolicy{
		MaxRetries: job.MaxRetries,
		BaseDelay:  job.BaseDelay(),
		Multiplier: job.Multiplier,
		MaxDelay:   job.MaxDelay(),
	}
	timeout := job.Timeout()
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	var cost float64
	success := false
	attempts := policy.MaxRetries + 1

	// Attempts are numbered from zero: attempt 0 is the first try, attempts
	// 1..MaxRetries are retries.
	for attempt := 0; attempt < attempts; attempt++ {
		result, runErr := s.runAttempt(ctx, handler, job, attempt, timeout)
		if runErr == nil {
			success = true
			var cp costPayload
			if len(result) > 0 && json.Unmarshal(result, &cp) == nil {
				cost = cp.Cost
			}
			break
		}

		log.Warn().Err(runErr).Int("attempt", attempt).Int("max_attempts", attempts).Msg("execution attempt failed")

		if attempt == attempts-1 {
			break
		}
		if !sleepCtx(ctx, backoffDelay(policy, attempt+1)) {
			return
		}
	}

	if success {
		log.Info().Msg("execution succeeded")
	} else {
		log.Error().Int("attempts", attempts).Msg("execution failed after all attempts")
	}
	s.emit(outcome{
		scheduleID: job.ID,
		agentType:  job.AgentType,
		ranAt:      ranAt,
		nextRun:    nextRun,
		terminal:   true,
		success:    success,
		cost:       cost,
	})
}

// runAttempt inserts a running execution row, invokes the handler under the
// attempt timeout and finishes the row with the terminal status.
func (s *Scheduler) runAttempt(ctx context.Context, handler registry.Handler, job models.Schedule, attempt int, timeout time.Duration) (json.RawMessage, error) {
	startedAt := time.Now().UTC()
	exec := &models.Execution{
		ID:         uuid.NewString(),
		ScheduleID: job.ID,
		AgentType:  job.AgentType,
		Status:     state.StatusRunning,
		Attempt:    attempt,
		StartedAt:  startedAt,
	}
	if err := s.executions.Insert(ctx, exec); err != nil {
		return nil, fmt.Errorf("insert execution row: %w", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	result, runErr := handler.Run(attemptCtx, job.Config)
	cancel()

	finishedAt := time.Now().UTC()
	durationMS := finishedAt.Sub(startedAt).Milliseconds()

	status := state.StatusSuccess
	var errMsg *string
	if runErr != nil {
		status = state.StatusFailed
		msg := runErr.Error()
		if attemptCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("timed out after %s: %s", timeout, msg)
		}
		errMsg = &msg
		result = nil
	}
	if !state.IsValidTransition(state.StatusRunning, status) {
		return nil, fmt.Errorf("invalid status transition %s -> %s", state.StatusRunning, status)
	}
	if err := s.executions.Finish(ctx, exec.ID, status, finishedAt, durationMS, result, errMsg); err != nil {
		s.log.Error().Err(err).Str("execution_id", exec.ID).Msg("failed to finish execution row")
	}
	return result, runErr
}

// recordSkipped writes an already-finished skipped execution row.
func (s *Scheduler) recordSkipped(ctx context.Context, job models.Schedule, at time.Time) {
	exec := &models.Execution{
		ID:         uuid.NewString(),
		ScheduleID: job.ID,
		AgentType:  job.AgentType,
		Status:     state.StatusSkipped,
		Attempt:    0,
		StartedAt:  at,
		FinishedAt: &at,
	}
	if err := s.executions.Insert(ctx, exec); err != nil {
		s.log.Error().Err(err).Str("schedule_id", job.ID).Msg("failed to record skipped execution")
	}
}

// recordFailedAttempt writes a failed execution row that never ran, such as
// a missing handler.
func (s *Scheduler) recordFailedAttempt(ctx context.Context, job models.Schedule, at time.Time, errMsg *string) {
	var zero int64
	exec := &models.Execution{
		ID:         uuid.NewString(),
		ScheduleID: job.ID,
		AgentType:  job.AgentType,
		Status:     state.StatusFailed,
		Attempt:    0,
		StartedAt:  at,
		FinishedAt: &at,
		DurationMS: &zero,
		Error:      errMsg,
	}
	if err := s.executions.Insert(ctx, exec); err != nil {
		s.log.Error().Err(err).Str("schedule_id", job.ID).Msg("failed to record failed execution")
	}
}

// backoffDelay returns the pause before retry number retry (1-based), with
// exponential growth capped at the policy's max delay and +-20% jitter.
func backoffDelay(policy models.RetryPolicy, retry int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxD := policy.MaxDelay
	if maxD <= 0 {
		maxD = time.Minute
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 2
	}
	if retry < 1 {
		retry = 1
	}

	d := time.Duration(float64(base) * math.Pow(mult, float64(retry-1)))
	if d <= 0 || d > maxD {
		d = maxD
	}

	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
