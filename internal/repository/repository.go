// Package repository persists schedules, executions and budget spend.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"neonsched/internal/models"
	"neonsched/internal/state"
)

var ErrNotFound = errors.New("not found")

// ScheduleRepository manages the schedule table.
type ScheduleRepository interface {
	Create(ctx context.Context, s *models.Schedule) error
	Update(ctx context.Context, s *models.Schedule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Schedule, error)
	List(ctx context.Context, page, pageSize int) (*models.Page[models.Schedule], error)
	ListEnabled(ctx context.Context) ([]models.Schedule, error)

	// SetEnabled flips the enabled flag (pause/resume).
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// UpdateRunTimes records the last tick and the next planned run.
	UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error

	// RecordOutcome bumps total_runs and the success or failure counter.
	RecordOutcome(ctx context.Context, id string, success bool) error

	// CountByEnabled returns (active, total).
	CountByEnabled(ctx context.Context) (int64, int64, error)
}

// ExecutionRepository manages the append-only execution log.
type ExecutionRepository interface {
	Insert(ctx context.Context, e *models.Execution) error

	// Finish moves a running execution to a terminal status.
	Finish(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error

	Get(ctx context.Context, id string) (*models.Execution, error)
	ListBySchedule(ctx context.Context, scheduleID string, page, pageSize int) (*models.Page[models.Execution], error)

	// MarkInterrupted flips rows a crashed process left running. Returns the
	// number of rows touched.
	MarkInterrupted(ctx context.Context) (int64, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	RecentFailureCount(ctx context.Context, scheduleID string, since time.Time) (int64, error)

	ScheduleStats(ctx context.Context, scheduleID string) (*models.ScheduleStats, error)
	AggregateStats(ctx context.Context) (*models.AggregateStats, error)
}

// BudgetRepository tracks per-agent spend by calendar month ("2026-08").
type BudgetRepository interface {
	RecordSpend(ctx context.Context, agentType, period string, amount float64) error
	MonthlySpend(ctx context.Context, agentType, period string) (float64, error)
	DeletePeriodsBefore(ctx context.Context, period string) (int64, error)
}
