// Package budget tracks per-agent spend and enforces monthly caps.
package budget

import (
	"context"
	"time"

	"neonsched/internal/repository"
)

// periodFormat is the calendar-month bucket key, e.g. "2026-08".
const periodFormat = "2006-01"

// Period returns the spend bucket for t (UTC).
func Period(t time.Time) string {
	return t.UTC().Format(periodFormat)
}

// Tracker records execution costs and answers over-budget queries for the
// scheduler's gate.
type Tracker struct {
	repo       repository.BudgetRepository
	defaultCap float64
	caps       map[string]float64
}

// New builds a tracker. defaultCap 0 means unlimited for agents without an
// explicit cap.
func New(repo repository.BudgetRepository, defaultCap float64, caps map[string]float64) *Tracker {
	return &Tracker{repo: repo, defaultCap: defaultCap, caps: caps}
}

// Cap returns the monthly cap for an agent type; 0 means unlimited.
func (t *Tracker) Cap(agentType string) float64 {
	if cap, ok := t.caps[agentType]; ok {
		return cap
	}
	return t.defaultCap
}

// Record adds cost to the agent's current-month bucket. Zero or negative
// costs are ignored.
func (t *Tracker) Record(ctx context.Context, agentType string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	return t.repo.RecordSpend(ctx, agentType, Period(time.Now()), cost)
}

// OverBudget reports whether the agent's current-month spend has reached its
// cap.
func (t *Tracker) OverBudget(ctx context.Context, agentType string) (bool, error) {
	cap := t.Cap(agentType)
	if cap <= 0 {
		return false, nil
	}
	spent, err := t.repo.MonthlySpend(ctx, agentType, Period(time.Now()))
	if err != nil {
		return false, err
	}
	return spent >= cap, nil
}

// MonthlySpend returns the agent's spend for the given month.
func (t *Tracker) MonthlySpend(ctx context.Context, agentType string, month time.Time) (float64, error) {
	return t.repo.MonthlySpend(ctx, agentType, Period(month))
}
