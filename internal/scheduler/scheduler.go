// Package scheduler owns the cron table: it persists schedule definitions,
// arms one cron entry per enabled schedule, and executes the mapped agent
// handler on each tick with timeout enforcement and exponential-backoff
// retry, recording every attempt in the execution log.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"neonsched/internal/cronspec"
	"neonsched/internal/lock"
	"neonsched/internal/models"
	"neonsched/internal/registry"
	"neonsched/internal/repository"
)

// Config tunes the execution side of the scheduler.
type Config struct {
	Workers        int
	DefaultTimeout time.Duration
	DefaultRetry   models.RetryPolicy
	// Timezone applies to schedules created without one; empty means UTC.
	Timezone string
	// RatePerSec caps execution starts per second across all schedules;
	// 0 disables the limiter.
	RatePerSec float64
	Instance   string
}

// BudgetGate is consulted before each run; over-budget agents get a skipped
// execution instead of a run.
type BudgetGate interface {
	OverBudget(ctx context.Context, agentType string) (bool, error)
	Record(ctx context.Context, agentType string, cost float64) error
}

// outcome travels from the executor goroutines to the single result
// processor that writes totals and run times back to the schedule row.
type outcome struct {
	scheduleID string
	agentType  string
	ranAt      time.Time
	nextRun    time.Time
	// terminal is false for skipped ticks, which update run times but not
	// the success/failure totals.
	terminal bool
	success  bool
	cost     float64
}

type Scheduler struct {
	cfg        Config
	log        zerolog.Logger
	schedules  repository.ScheduleRepository
	executions repository.ExecutionRepository
	registry   *registry.Registry
	budget     BudgetGate
	locks      lock.Manager

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	// resMu guards results separately from mu: Stop waits for workers while
	// holding mu, and finishing workers emit results.
	resMu   sync.Mutex
	results chan outcome

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	procWG sync.WaitGroup
}

func New(cfg Config, schedules repository.ScheduleRepository, executions repository.ExecutionRepository, reg *registry.Registry, budget BudgetGate, locks lock.Manager, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.NewString()
	}
	s := &Scheduler{
		cfg:        cfg,
		log:        log,
		schedules:  schedules,
		executions: executions,
		registry:   reg,
		budget:     budget,
		locks:      locks,
		entries:    make(map[string]cron.EntryID),
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return s
}

// Start loads enabled schedules from the database, arms their cron entries
// and begins ticking. Executions left running by a previous crash are marked
// interrupted first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if err := s.locks.Acquire(ctx, lock.SchedulerLock); err != nil {
		return fmt.Errorf("acquire scheduler lock: %w", err)
	}

	if n, err := s.executions.MarkInterrupted(ctx); err != nil {
		s.locks.Release(ctx, lock.SchedulerLock)
		return fmt.Errorf("mark interrupted executions: %w", err)
	} else if n > 0 {
		s.log.Warn().Int64("count", n).Msg("marked stale running executions as interrupted")
	}

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.resMu.Lock()
	s.results = make(chan outcome, 1024)
	s.resMu.Unlock()
	s.procWG.Add(1)
	go s.processResults(s.results)

	s.cron = cron.New()

	loaded, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.stopLocked(ctx)
		return fmt.Errorf("load schedules: %w", err)
	}
	for i := range loaded {
		if err := s.armLocked(loaded[i]); err != nil {
			s.log.Error().Err(err).Str("schedule_id", loaded[i].ID).Str("agent", loaded[i].AgentType).Msg("failed to arm schedule")
		}
	}

	s.cron.Start()
	s.started = true
	s.log.Info().Int("schedules", len(s.entries)).Int("workers", s.cfg.Workers).Str("instance", s.cfg.Instance).Msg("scheduler started")
	return nil
}

// Stop halts ticking, waits for in-flight runs (bounded by ctx) and flushes
// pending results.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.stopLocked(ctx)
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) stopLocked(ctx context.Context) {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		s.cron = nil
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("timed out waiting for in-flight executions")
	}

	s.resMu.Lock()
	if s.results != nil {
		close(s.results)
		s.results = nil
	}
	s.resMu.Unlock()
	s.procWG.Wait()

	s.entries = make(map[string]cron.EntryID)
	s.started = false
	s.locks.Release(ctx, lock.SchedulerLock)
}

// armLocked registers the cron entry for one schedule snapshot. Callers hold
// s.mu.
func (s *Scheduler) armLocked(job models.Schedule) error {
	if s.cron == nil {
		return nil
	}
	sch, err := cronspec.ParseInLocation(job.Expression, job.Timezone)
	if err != nil {
		return err
	}
	if old, ok := s.entries[job.ID]; ok {
		s.cron.Remove(old)
	}
	snapshot := job
	s.entries[job.ID] = s.cron.Schedule(sch, cron.FuncJob(func() {
		s.dispatch(snapshot)
	}))
	return nil
}

func (s *Scheduler) disarmLocked(id string) {
	if entry, ok := s.entries[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entry)
		}
		delete(s.entries, id)
	}
}

// dispatch runs one tick. It runs on a per-tick goroutine (cron) or a
// dedicated goroutine (RunNow), so blocking on the limiter and semaphore is
// fine.
func (s *Scheduler) dispatch(job models.Schedule) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	s.wg.Add(1)
	defer func() {
		s.sem.Release(1)
		s.wg.Done()
	}()

	s.execute(ctx, job)
}

func (s *Scheduler) emit(o outcome) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.results == nil {
		return
	}
	select {
	case s.results <- o:
	default:
		s.log.Warn().Str("schedule_id", o.scheduleID).Msg("result queue full, dropping outcome")
	}
}

// processResults is the single writer for schedule totals and run times.
func (s *Scheduler) processResults(results <-chan outcome) {
	defer s.procWG.Done()
	ctx := context.Background()
	for res := range results {
		if err := s.schedules.UpdateRunTimes(ctx, res.scheduleID, res.ranAt, res.nextRun); err != nil {
			s.log.Error().Err(err).Str("schedule_id", res.scheduleID).Msg("failed to update run times")
		}
		if res.terminal {
			if err := s.schedules.RecordOutcome(ctx, res.scheduleID, res.success); err != nil {
				s.log.Error().Err(err).Str("schedule_id", res.scheduleID).Msg("failed to record outcome")
			}
		}
		if res.cost > 0 && s.budget != nil {
			if err := s.budget.Record(ctx, res.agentType, res.cost); err != nil {
				s.log.Error().Err(err).Str("agent", res.agentType).Msg("failed to record spend")
			}
		}
	}
}
