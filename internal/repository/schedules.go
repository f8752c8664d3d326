package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"neonsched/internal/models"
)

const scheduleColumns = `id, name, agent_type, expression, timezone, enabled, config,
	max_retries, base_delay_ms, multiplier, max_delay_ms, timeout_ms,
	total_runs, success_runs, failure_runs,
	last_run_at, next_run_at, created_at, updated_at`

type sqlScheduleRepository struct {
	db *sqlx.DB
}

func NewScheduleRepository(db *sqlx.DB) ScheduleRepository {
	return &sqlScheduleRepository{db: db}
}

func (r *sqlScheduleRepository) Create(ctx context.Context, s *models.Schedule) error {
	query := r.db.Rebind(`
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.Name, s.AgentType, s.Expression, s.Timezone, s.Enabled, nullJSON(s.Config),
		s.MaxRetries, s.BaseDelayMS, s.Multiplier, s.MaxDelayMS, s.TimeoutMS,
		s.TotalRuns, s.SuccessRuns, s.FailureRuns,
		s.LastRunAt, s.NextRunAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (r *sqlScheduleRepository) Update(ctx context.Context, s *models.Schedule) error {
	query := r.db.Rebind(`
		UPDATE schedules SET
			name = ?, agent_type = ?, expression = ?, timezone = ?, enabled = ?, config = ?,
			max_retries = ?, base_delay_ms = ?, multiplier = ?, max_delay_ms = ?, timeout_ms = ?,
			next_run_at = ?, updated_at = ?
		WHERE id = ?`)

	res, err := r.db.ExecContext(ctx, query,
		s.Name, s.AgentType, s.Expression, s.Timezone, s.Enabled, nullJSON(s.Config),
		s.MaxRetries, s.BaseDelayMS, s.Multiplier, s.MaxDelayMS, s.TimeoutMS,
		s.NextRunAt, s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res)
}

func (r *sqlScheduleRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res)
}

func (r *sqlScheduleRepository) Get(ctx context.Context, id string) (*models.Schedule, error) {
	var s models.Schedule
	query := r.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE id = ?`)
	if err := r.db.GetContext(ctx, &s, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *sqlScheduleRepository) List(ctx context.Context, page, pageSize int) (*models.Page[models.Schedule], error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM schedules`); err != nil {
		return nil, err
	}

	var items []models.Schedule
	query := r.db.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	if err := r.db.SelectContext(ctx, &items, query, pageSize, offset); err != nil {
		return nil, err
	}
	return models.NewPage(items, total, page, pageSize), nil
}

func (r *sqlScheduleRepository) ListEnabled(ctx context.Context) ([]models.Schedule, error) {
	var items []models.Schedule
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE enabled ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &items, query); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *sqlScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := r.db.Rebind(`UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?`)
	res, err := r.db.ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *sqlScheduleRepository) UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	query := r.db.Rebind(`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?`)
	_, err := r.db.ExecContext(ctx, query, lastRunAt, nextRunAt, id)
	return err
}

func (r *sqlScheduleRepository) RecordOutcome(ctx context.Context, id string, success bool) error {
	var query string
	if success {
		query = `UPDATE schedules SET total_runs = total_runs + 1, success_runs = success_runs + 1 WHERE id = ?`
	} else {
		query = `UPDATE schedules SET total_runs = total_runs + 1, failure_runs = failure_runs + 1 WHERE id = ?`
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), id)
	return err
}

func (r *sqlScheduleRepository) CountByEnabled(ctx context.Context) (int64, int64, error) {
	var counts struct {
		Active int64 `db:"active"`
		Total  int64 `db:"total"`
	}
	query := `SELECT
		COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0) AS active,
		COUNT(*) AS total
	FROM schedules`
	if err := r.db.GetContext(ctx, &counts, query); err != nil {
		return 0, 0, err
	}
	return counts.Active, counts.Total, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
