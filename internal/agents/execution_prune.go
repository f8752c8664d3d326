package agents

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ExecutionPrune deletes execution history past the retention window so the
// log does not grow without bound.
type ExecutionPrune struct {
	deps Deps
}

type executionPruneConfig struct {
	RetentionDays int `json:"retention_days"`
}

type executionPruneResult struct {
	Deleted int64  `json:"deleted"`
	Cutoff  string `json:"cutoff"`
}

func (a *ExecutionPrune) Run(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	cfg := executionPruneConfig{RetentionDays: 90}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.RetentionDays <= 0 {
		return nil, errors.New("retention_days must be positive")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RetentionDays)
	deleted, err := a.deps.Executions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if deleted > 0 {
		a.deps.Log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("pruned execution history")
	}

	return json.Marshal(executionPruneResult{Deleted: deleted, Cutoff: cutoff.Format(time.RFC3339)})
}
