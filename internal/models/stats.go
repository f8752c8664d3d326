package models

import "time"

// ScheduleStats aggregates the execution log for one schedule.
type ScheduleStats struct {
	ScheduleID      string     `db:"schedule_id" json:"schedule_id"`
	TotalExecutions int64      `db:"total_executions" json:"total_executions"`
	Succeeded       int64      `db:"succeeded" json:"succeeded"`
	Failed          int64      `db:"failed" json:"failed"`
	Skipped         int64      `db:"skipped" json:"skipped"`
	AvgDurationMS   float64    `db:"avg_duration_ms" json:"avg_duration_ms"`
	LastExecutionAt *time.Time `db:"last_execution_at" json:"last_execution_at,omitempty"`
}

// SuccessRate is succeeded over terminal executions, 0..1.
func (s *ScheduleStats) SuccessRate() float64 {
	terminal := s.Succeeded + s.Failed
	if terminal == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(terminal)
}

// AggregateStats is the service-wide view served by GET /v1/stats.
type AggregateStats struct {
	TotalExecutions int64   `db:"total_executions" json:"total_executions"`
	Succeeded       int64   `db:"succeeded" json:"succeeded"`
	Failed          int64   `db:"failed" json:"failed"`
	Skipped         int64   `db:"skipped" json:"skipped"`
	Running         int64   `db:"running" json:"running"`
	AvgDurationMS   float64 `db:"avg_duration_ms" json:"avg_duration_ms"`
	ActiveSchedules int64   `db:"active_schedules" json:"active_schedules"`
	TotalSchedules  int64   `db:"total_schedules" json:"total_schedules"`
}

func (s *AggregateStats) SuccessRate() float64 {
	terminal := s.Succeeded + s.Failed
	if terminal == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(terminal)
}
