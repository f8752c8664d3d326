package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"neonsched/internal/budget"
)

// BudgetRollover drops spend buckets older than the keep window. Run it
// monthly; current and recent months stay for reporting.
type BudgetRollover struct {
	deps Deps
}

type budgetRolloverConfig struct {
	KeepMonths int `json:"keep_months"`
}

type budgetRolloverResult struct {
	Deleted      int64  `json:"deleted"`
	OldestPeriod string `json:"oldest_period"`
}

func (a *BudgetRollover) Run(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	cfg := budgetRolloverConfig{KeepMonths: 12}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.KeepMonths <= 0 {
		return nil, errors.New("keep_months must be positive")
	}

	oldest := budget.Period(time.Now().UTC().AddDate(0, -cfg.KeepMonths, 0))
	deleted, err := a.deps.Budgets.DeletePeriodsBefore(ctx, oldest)
	if err != nil {
		return nil, err
	}
	if deleted > 0 {
		a.deps.Log.Info().Int64("deleted", deleted).Str("oldest_period", oldest).Msg("rolled over budget periods")
	}

	return json.Marshal(budgetRolloverResult{Deleted: deleted, OldestPeriod: oldest})
}
