package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neonsched/internal/budget"
	"neonsched/internal/models"
	"neonsched/internal/registry"
	"neonsched/internal/state"
	"neonsched/internal/testutil"
)

// ===================== Repository Mocks =========================

type MockScheduleRepository struct {
	MockCreate         func(ctx context.Context, s *models.Schedule) error
	MockUpdate         func(ctx context.Context, s *models.Schedule) error
	MockDelete         func(ctx context.Context, id string) error
	MockGet            func(ctx context.Context, id string) (*models.Schedule, error)
	MockList           func(ctx context.Context, page, pageSize int) (*models.Page[models.Schedule], error)
	MockListEnabled    func(ctx context.Context) ([]models.Schedule, error)
	MockSetEnabled     func(ctx context.Context, id string, enabled bool) error
	MockUpdateRunTimes func(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error
	MockRecordOutcome  func(ctx context.Context, id string, success bool) error
	MockCountByEnabled func(ctx context.Context) (int64, int64, error)
}

func (m *MockScheduleRepository) Create(ctx context.Context, s *models.Schedule) error {
	return m.MockCreate(ctx, s)
}
func (m *MockScheduleRepository) Update(ctx context.Context, s *models.Schedule) error {
	return m.MockUpdate(ctx, s)
}
func (m *MockScheduleRepository) Delete(ctx context.Context, id string) error {
	return m.MockDelete(ctx, id)
}
func (m *MockScheduleRepository) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return m.MockGet(ctx, id)
}
func (m *MockScheduleRepository) List(ctx context.Context, page, pageSize int) (*models.Page[models.Schedule], error) {
	return m.MockList(ctx, page, pageSize)
}
func (m *MockScheduleRepository) ListEnabled(ctx context.Context) ([]models.Schedule, error) {
	return m.MockListEnabled(ctx)
}
func (m *MockScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return m.MockSetEnabled(ctx, id, enabled)
}
func (m *MockScheduleRepository) UpdateRunTimes(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	return m.MockUpdateRunTimes(ctx, id, lastRunAt, nextRunAt)
}
func (m *MockScheduleRepository) RecordOutcome(ctx context.Context, id string, success bool) error {
	return m.MockRecordOutcome(ctx, id, success)
}
func (m *MockScheduleRepository) CountByEnabled(ctx context.Context) (int64, int64, error) {
	return m.MockCountByEnabled(ctx)
}

type MockExecutionRepository struct {
	MockInsert             func(ctx context.Context, e *models.Execution) error
	MockFinish             func(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error
	MockGet                func(ctx context.Context, id string) (*models.Execution, error)
	MockListBySchedule     func(ctx context.Context, scheduleID string, page, pageSize int) (*models.Page[models.Execution], error)
	MockMarkInterrupted    func(ctx context.Context) (int64, error)
	MockDeleteOlderThan    func(ctx context.Context, cutoff time.Time) (int64, error)
	MockRecentFailureCount func(ctx context.Context, scheduleID string, since time.Time) (int64, error)
	MockScheduleStats      func(ctx context.Context, scheduleID string) (*models.ScheduleStats, error)
	MockAggregateStats     func(ctx context.Context) (*models.AggregateStats, error)
}

func (m *MockExecutionRepository) Insert(ctx context.Context, e *models.Execution) error {
	return m.MockInsert(ctx, e)
}
func (m *MockExecutionRepository) Finish(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error {
	return m.MockFinish(ctx, id, status, finishedAt, durationMS, result, errMsg)
}
func (m *MockExecutionRepository) Get(ctx context.Context, id string) (*models.Execution, error) {
	return m.MockGet(ctx, id)
}
func (m *MockExecutionRepository) ListBySchedule(ctx context.Context, scheduleID string, page, pageSize int) (*models.Page[models.Execution], error) {
	return m.MockListBySchedule(ctx, scheduleID, page, pageSize)
}
func (m *MockExecutionRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	return m.MockMarkInterrupted(ctx)
}
func (m *MockExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.MockDeleteOlderThan(ctx, cutoff)
}
func (m *MockExecutionRepository) RecentFailureCount(ctx context.Context, scheduleID string, since time.Time) (int64, error) {
	return m.MockRecentFailureCount(ctx, scheduleID, since)
}
func (m *MockExecutionRepository) ScheduleStats(ctx context.Context, scheduleID string) (*models.ScheduleStats, error) {
	return m.MockScheduleStats(ctx, scheduleID)
}
func (m *MockExecutionRepository) AggregateStats(ctx context.Context) (*models.AggregateStats, error) {
	return m.MockAggregateStats(ctx)
}

type MockBudgetRepository struct {
	MockRecordSpend         func(ctx context.Context, agentType, period string, amount float64) error
	MockMonthlySpend        func(ctx context.Context, agentType, period string) (float64, error)
	MockDeletePeriodsBefore func(ctx context.Context, period string) (int64, error)
}

func (m *MockBudgetRepository) RecordSpend(ctx context.Context, agentType, period string, amount float64) error {
	return m.MockRecordSpend(ctx, agentType, period, amount)
}
func (m *MockBudgetRepository) MonthlySpend(ctx context.Context, agentType, period string) (float64, error) {
	return m.MockMonthlySpend(ctx, agentType, period)
}
func (m *MockBudgetRepository) DeletePeriodsBefore(ctx context.Context, period string) (int64, error) {
	return m.MockDeletePeriodsBefore(ctx, period)
}

// ===================== Tests =========================

func TestRegisterBuiltins(t *testing.T) {
	reg := registry.New()
	require.NoError(t, RegisterBuiltins(reg, Deps{Log: testutil.Logger(t)}))
	assert.Equal(t, []string{TypeBudgetRollover, TypeCampaignCleanup, TypeExecutionPrune}, reg.Types())

	// Double registration surfaces as an error.
	assert.Error(t, RegisterBuiltins(reg, Deps{Log: testutil.Logger(t)}))
}

func TestCampaignCleanup(t *testing.T) {
	failures := map[string]int64{"healthy": 1, "failing": 7}
	var paused []string

	schedules := &MockScheduleRepository{
		MockListEnabled: func(ctx context.Context) ([]models.Schedule, error) {
			return []models.Schedule{
				{ID: "healthy", Name: "healthy", Enabled: true},
				{ID: "failing", Name: "failing", Enabled: true},
			}, nil
		},
		MockSetEnabled: func(ctx context.Context, id string, enabled bool) error {
			assert.False(t, enabled)
			paused = append(paused, id)
			return nil
		},
	}
	executions := &MockExecutionRepository{
		MockRecentFailureCount: func(ctx context.Context, scheduleID string, since time.Time) (int64, error) {
			assert.WithinDuration(t, time.Now().UTC().Add(-6*time.Hour), since, time.Minute)
			return failures[scheduleID], nil
		},
	}

	agent := &CampaignCleanup{deps: Deps{Schedules: schedules, Executions: executions, Log: testutil.Logger(t)}}
	raw, err := agent.Run(context.Background(), json.RawMessage(`{"failure_threshold": 5, "window_hours": 6}`))
	require.NoError(t, err)

	var res campaignCleanupResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, 2, res.Inspected)
	assert.Equal(t, []string{"failing"}, res.Paused)
	assert.Equal(t, []string{"failing"}, paused)
}

func TestCampaignCleanup_BadConfig(t *testing.T) {
	agent := &CampaignCleanup{deps: Deps{Log: testutil.Logger(t)}}
	_, err := agent.Run(context.Background(), json.RawMessage(`{"failure_threshold": "five"}`))
	assert.Error(t, err)
}

func TestExecutionPrune(t *testing.T) {
	var gotCutoff time.Time
	executions := &MockExecutionRepository{
		MockDeleteOlderThan: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 42, nil
		},
	}

	agent := &ExecutionPrune{deps: Deps{Executions: executions, Log: testutil.Logger(t)}}
	raw, err := agent.Run(context.Background(), json.RawMessage(`{"retention_days": 30}`))
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, -30), gotCutoff, time.Minute)

	var res executionPruneResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, int64(42), res.Deleted)
}

func TestExecutionPrune_RejectsZeroRetention(t *testing.T) {
	agent := &ExecutionPrune{deps: Deps{Log: testutil.Logger(t)}}
	_, err := agent.Run(context.Background(), json.RawMessage(`{"retention_days": -1}`))
	assert.Error(t, err)
}

func TestBudgetRollover(t *testing.T) {
	var gotPeriod string
	budgets := &MockBudgetRepository{
		MockDeletePeriodsBefore: func(ctx context.Context, period string) (int64, error) {
			gotPeriod = period
			return 3, nil
		},
	}

	agent := &BudgetRollover{deps: Deps{Budgets: budgets, Log: testutil.Logger(t)}}
	raw, err := agent.Run(context.Background(), json.RawMessage(`{"keep_months": 6}`))
	require.NoError(t, err)

	assert.Equal(t, budget.Period(time.Now().UTC().AddDate(0, -6, 0)), gotPeriod)

	var res budgetRolloverResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, int64(3), res.Deleted)
}
