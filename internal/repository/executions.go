package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"neonsched/internal/models"
	"neonsched/internal/state"
)

const executionColumns = `id, schedule_id, agent_type, status, attempt,
	started_at, finished_at, duration_ms, result, error`

type sqlExecutionRepository struct {
	db *sqlx.DB
}

func NewExecutionRepository(db *sqlx.DB) ExecutionRepository {
	return &sqlExecutionRepository{db: db}
}

func (r *sqlExecutionRepository) Insert(ctx context.Context, e *models.Execution) error {
	query := r.db.Rebind(`
		INSERT INTO executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.ScheduleID, e.AgentType, e.Status, e.Attempt,
		e.StartedAt, e.FinishedAt, e.DurationMS, nullJSON(e.Result), e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (r *sqlExecutionRepository) Finish(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error {
	query := r.db.Rebind(`
		UPDATE executions
		SET status = ?, finished_at = ?, duration_ms = ?, result = ?, error = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query, status, finishedAt, durationMS, nullJSON(result), errMsg, id)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return requireRow(res)
}

func (r *sqlExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	var e models.Execution
	query := r.db.Rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)
	if err := r.db.GetContext(ctx, &e, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *sqlExecutionRepository) ListBySchedule(ctx context.Context, scheduleID string, page, pageSize int) (*models.Page[models.Execution], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var total int
	countQuery := r.db.Rebind(`SELECT COUNT(*) FROM executions WHERE schedule_id = ?`)
	if err := r.db.GetContext(ctx, &total, countQuery, scheduleID); err != nil {
		return nil, err
	}

	var items []models.Execution
	query := r.db.Rebind(`
		SELECT ` + executionColumns + `
		FROM executions
		WHERE schedule_id = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`)
	if err := r.db.SelectContext(ctx, &items, query, scheduleID, pageSize, offset); err != nil {
		return nil, err
	}
	return models.NewPage(items, total, page, pageSize), nil
}

func (r *sqlExecutionRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	query := r.db.Rebind(`UPDATE executions SET status = ?, finished_at = ? WHERE status = ?`)
	res, err := r.db.ExecContext(ctx, query, state.StatusInterrupted, time.Now().UTC(), state.StatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqlExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM executions WHERE started_at < ?`)
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *sqlExecutionRepository) RecentFailureCount(ctx context.Context, scheduleID string, since time.Time) (int64, error) {
	var n int64
	query := r.db.Rebind(`
		SELECT COUNT(*) FROM executions
		WHERE schedule_id = ? AND status = ? AND started_at >= ?`)
	if err := r.db.GetContext(ctx, &n, query, scheduleID, state.StatusFailed, since); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *sqlExecutionRepository) ScheduleStats(ctx context.Context, scheduleID string) (*models.ScheduleStats, error) {
	stats := models.ScheduleStats{ScheduleID: scheduleID}
	query := r.db.Rebind(`
		SELECT
			COUNT(*) AS total_executions,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM executions
		WHERE schedule_id = ?`)
	if err := r.db.GetContext(ctx, &stats, query, scheduleID); err != nil {
		return nil, err
	}

	// MAX(started_at) loses the column type on sqlite, so fetch the latest
	// row directly.
	var last time.Time
	lastQuery := r.db.Rebind(`SELECT started_at FROM executions WHERE schedule_id = ? ORDER BY started_at DESC LIMIT 1`)
	err := r.db.GetContext(ctx, &last, lastQuery, scheduleID)
	switch {
	case err == nil:
		stats.LastExecutionAt = &last
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}
	return &stats, nil
}

func (r *sqlExecutionRepository) AggregateStats(ctx context.Context) (*models.AggregateStats, error) {
	var stats models.AggregateStats
	query := `
		SELECT
			COUNT(*) AS total_executions,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS succeeded,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped,
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0) AS running,
			COALESCE(AVG(duration_ms), 0) AS avg_duration_ms
		FROM executions`
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, err
	}
	return &stats, nil
}
