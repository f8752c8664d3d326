package agents

import (
	"context"
	"encoding/json"
	"time"
)

// CampaignCleanup pauses schedules that keep failing so a broken campaign
// agent stops burning worker slots and budget. Paused schedules stay in the
// table for an operator to inspect and resume.
type CampaignCleanup struct {
	deps Deps
}

type campaignCleanupConfig struct {
	// FailureThreshold is the number of failed executions inside the window
	// that triggers a pause.
	FailureThreshold int64 `json:"failure_threshold"`
	WindowHours      int   `json:"window_hours"`
}

type campaignCleanupResult struct {
	Inspected int      `json:"inspected"`
	Paused    []string `json:"paused"`
}

func (a *CampaignCleanup) Run(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	cfg := campaignCleanupConfig{FailureThreshold: 5, WindowHours: 24}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(cfg.WindowHours) * time.Hour)

	res := campaignCleanupResult{Paused: []string{}}
	enabled, err := a.deps.Schedules.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	for i := range enabled {
		sched := &enabled[i]
		res.Inspected++

		failures, err := a.deps.Executions.RecentFailureCount(ctx, sched.ID, since)
		if err != nil {
			return nil, err
		}
		if failures < cfg.FailureThreshold {
			continue
		}
		if err := a.deps.Schedules.SetEnabled(ctx, sched.ID, false); err != nil {
			return nil, err
		}
		a.deps.Log.Warn().
			Str("schedule_id", sched.ID).
			Str("schedule", sched.Name).
			Int64("failures", failures).
			Int("window_hours", cfg.WindowHours).
			Msg("paused schedule after repeated failures")
		res.Paused = append(res.Paused, sched.ID)
	}

	return json.Marshal(res)
}
