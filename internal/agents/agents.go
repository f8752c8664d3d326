// Package agents holds the built-in maintenance agents that ship with the
// scheduler. Product agents register through the same registry at startup.
package agents

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"neonsched/internal/registry"
	"neonsched/internal/repository"
)

// Agent type names as stored on schedule rows.
const (
	TypeCampaignCleanup = "campaign_cleanup"
	TypeExecutionPrune  = "execution_prune"
	TypeBudgetRollover  = "budget_rollover"
)

// Deps is everything the built-in agents touch.
type Deps struct {
	Schedules  repository.ScheduleRepository
	Executions repository.ExecutionRepository
	Budgets    repository.BudgetRepository
	Log        zerolog.Logger
}

// RegisterBuiltins wires the maintenance agents into the registry.
func RegisterBuiltins(r *registry.Registry, deps Deps) error {
	builtins := map[string]registry.Handler{
		TypeCampaignCleanup: &CampaignCleanup{deps: deps},
		TypeExecutionPrune:  &ExecutionPrune{deps: deps},
		TypeBudgetRollover:  &BudgetRollover{deps: deps},
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return fmt.Errorf("register builtin %s: %w", name, err)
		}
	}
	return nil
}

func decodeConfig(config json.RawMessage, v any) error {
	if len(config) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, v); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	return nil
}
