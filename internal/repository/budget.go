package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

type sqlBudgetRepository struct {
	db *sqlx.DB
}

func NewBudgetRepository(db *sqlx.DB) BudgetRepository {
	return &sqlBudgetRepository{db: db}
}

func (r *sqlBudgetRepository) RecordSpend(ctx context.Context, agentType, period string, amount float64) error {
	query := r.db.Rebind(`
		INSERT INTO budget_spend (agent_type, period, amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_type, period) DO UPDATE SET
			amount = budget_spend.amount + excluded.amount,
			updated_at = excluded.updated_at`)

	if _, err := r.db.ExecContext(ctx, query, agentType, period, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

func (r *sqlBudgetRepository) MonthlySpend(ctx context.Context, agentType, period string) (float64, error) {
	var amount float64
	query := r.db.Rebind(`
		SELECT COALESCE(SUM(amount), 0) FROM budget_spend
		WHERE agent_type = ? AND period = ?`)
	if err := r.db.GetContext(ctx, &amount, query, agentType, period); err != nil {
		return 0, err
	}
	return amount, nil
}

func (r *sqlBudgetRepository) DeletePeriodsBefore(ctx context.Context, period string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM budget_spend WHERE period < ?`), period)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
