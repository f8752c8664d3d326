package models

import (
	"encoding/json"
	"time"

	"neonsched/internal/state"
)

// Execution is one attempt of a scheduled agent run. The executions table is
// an append-only log keyed by schedule id; retries append their own rows.
type Execution struct {
	ID         string          `db:"id" json:"id"`
	ScheduleID string          `db:"schedule_id" json:"schedule_id"`
	AgentType  string          `db:"agent_type" json:"agent_type"`
	Status     state.Status    `db:"status" json:"status"`
	Attempt    int             `db:"attempt" json:"attempt"`
	StartedAt  time.Time       `db:"started_at" json:"started_at"`
	FinishedAt *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	DurationMS *int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	Result     json.RawMessage `db:"result" json:"result,omitempty"`
	Error      *string         `db:"error" json:"error,omitempty"`
}
