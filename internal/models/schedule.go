package models

import (
	"encoding/json"
	"time"
)

// Schedule is a persisted cron job definition mapping an agent type to a
// recurring execution policy. One row per schedule; the scheduler arms one
// cron entry per enabled row.
type Schedule struct {
	ID         string          `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	AgentType  string          `db:"agent_type" json:"agent_type"`
	Expression string          `db:"expression" json:"expression"`
	Timezone   string          `db:"timezone" json:"timezone"`
	Enabled    bool            `db:"enabled" json:"enabled"`
	Config     json.RawMessage `db:"config" json:"config,omitempty"`

	MaxRetries  int     `db:"max_retries" json:"max_retries"`
	BaseDelayMS int64   `db:"base_delay_ms" json:"base_delay_ms"`
	Multiplier  float64 `db:"multiplier" json:"multiplier"`
	MaxDelayMS  int64   `db:"max_delay_ms" json:"max_delay_ms"`
	TimeoutMS   int64   `db:"timeout_ms" json:"timeout_ms"`

	TotalRuns   int64 `db:"total_runs" json:"total_runs"`
	SuccessRuns int64 `db:"success_runs" json:"success_runs"`
	FailureRuns int64 `db:"failure_runs" json:"failure_runs"`

	LastRunAt *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

func (s *Schedule) BaseDelay() time.Duration { return time.Duration(s.BaseDelayMS) * time.Millisecond }
func (s *Schedule) MaxDelay() time.Duration  { return time.Duration(s.MaxDelayMS) * time.Millisecond }
func (s *Schedule) Timeout() time.Duration   { return time.Duration(s.TimeoutMS) * time.Millisecond }

// RetryPolicy is the retry shape shared by schedules, templates and defaults.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	Multiplier float64       `json:"multiplier"`
	MaxDelay   time.Duration `json:"max_delay"`
}

func (p RetryPolicy) ApplyTo(s *Schedule) {
	s.MaxRetries = p.MaxRetries
	s.BaseDelayMS = p.BaseDelay.Milliseconds()
	s.Multiplier = p.Multiplier
	s.MaxDelayMS = p.MaxDelay.Milliseconds()
}
