package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neonsched/internal/lock"
	"neonsched/internal/models"
	"neonsched/internal/registry"
	"neonsched/internal/state"
	"neonsched/internal/testutil"
)

// ===================== ScheduleRepository Mock =========================

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

// ===================== ExecutionRepository Mock =========================

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

type mockBudget struct {
	MockOverBudget func(ctx context.Context, agentType string) (bool, error)
	MockRecord     func(ctx context.Context, agentType string, cost float64) error
}

func (m *mockBudget) OverBudget(ctx context.Context, agentType string) (bool, error) {
	return m.MockOverBudget(ctx, agentType)
}
func (m *mockBudget) Record(ctx context.Context, agentType string, cost float64) error {
	return m.MockRecord(ctx, agentType, cost)
}

// ===================== helpers =========================

func newTestScheduler(t *testing.T, schedules *MockScheduleRepository, executions *MockExecutionRepository, budget BudgetGate) (*Scheduler, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	cfg := Config{
		Workers:        2,
		DefaultTimeout: time.Second,
		DefaultRetry: models.RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			Multiplier: 2,
			MaxDelay:   5 * time.Millisecond,
		},
	}
	return New(cfg, schedules, executions, reg, budget, &lock.Noop{}, testutil.Logger(t)), reg
}

func testSchedule(agentType string) models.Schedule {
	return models.Schedule{
		ID:          "sched-1",
		Name:        "nightly-cleanup",
		AgentType:   agentType,
		Expression:  "0 3 * * *",
		Enabled:     true,
		MaxRetries:  2,
		BaseDelayMS: 1,
		Multiplier:  2,
		MaxDelayMS:  5,
		TimeoutMS:   int64(time.Second / time.Millisecond),
	}
}

// drainOne reads the single outcome execute is expected to emit.
func drainOne(t *testing.T, s *Scheduler) outcome {
	t.Helper()
	select {
	case o := <-s.results:
		return o
	case <-time.After(time.Second):
		t.Fatal("no outcome emitted")
		return outcome{}
	}
}

// ===================== backoff =========================

func TestBackoffDelay(t *testing.T) {
	policy := models.RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   time.Second,
	}

	tests := []struct {
		name  string
		retry int
		want  time.Duration
	}{
		{name: "first retry", retry: 1, want: 100 * time.Millisecond},
		{name: "second retry", retry: 2, want: 200 * time.Millisecond},
		{name: "third retry", retry: 3, want: 400 * time.Millisecond},
		{name: "capped", retry: 10, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := backoffDelay(policy, tt.retry)
			// Jitter is +-20% of the capped delay.
			lo := tt.want - tt.want/5
			hi := tt.want + tt.want/5
			assert.GreaterOrEqual(t, got, lo)
			assert.LessOrEqual(t, got, hi)
		})
	}
}

func TestBackoffDelay_JitterSpread(t *testing.T) {
	policy := models.RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   time.Second,
	}
	want := 100 * time.Millisecond

	// Jitter is uniform over +-20%; in 200 samples at least one should land
	// outside the inner +-10% band.
	outsideInnerBand := false
	for i := 0; i < 200; i++ {
		got := backoffDelay(policy, 1)
		require.GreaterOrEqual(t, got, want-want/5)
		require.LessOrEqual(t, got, want+want/5)
		if got < want-want/10 || got > want+want/10 {
			outsideInnerBand = true
		}
	}
	assert.True(t, outsideInnerBand, "jitter never exceeded +-10%")
}

func TestBackoffDelay_Defaults(t *testing.T) {
	got := backoffDelay(models.RetryPolicy{}, 100)
	assert.Greater(t, got, time.Duration(0))
	assert.LessOrEqual(t, got, time.Minute+time.Minute/5)
}

// ===================== execute =========================

func TestExecute_SucceedsAfterRetries(t *testing.T) {
	var inserted []state.Status
	var finished []state.Status
	executions := &MockExecutionRepository{
		MockInsert: func(ctx context.Context, e *models.Execution) error {
			inserted = append(inserted, e.Status)
			return nil
		},
		MockFinish: func(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error {
			finished = append(finished, status)
			return nil
		},
	}

	s, reg := newTestScheduler(t, &MockScheduleRepository{}, executions, nil)

	calls := 0
	require.NoError(t, reg.Register("flaky", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"cost": 1.5}`), nil
	})))

	s.results = make(chan outcome, 4)
	s.execute(context.Background(), testSchedule("flaky"))

	assert.Equal(t, 3, calls)
	assert.Equal(t, []state.Status{state.StatusRunning, state.StatusRunning, state.StatusRunning}, inserted)
	assert.Equal(t, []state.Status{state.StatusFailed, state.StatusFailed, state.StatusSuccess}, finished)

	o := drainOne(t, s)
	assert.True(t, o.terminal)
	assert.True(t, o.success)
	assert.Equal(t, 1.5, o.cost)
	assert.Equal(t, "sched-1", o.scheduleID)
	assert.False(t, o.nextRun.IsZero())
}

func TestExecute_FailsAfterAllAttempts(t *testing.T) {
	var attempts []int
	executions := &MockExecutionRepository{
		MockInsert: func(ctx context.Context, e *models.Execution) error {
			attempts = append(attempts, e.Attempt)
			return nil
		},
		MockFinish: func(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error {
			assert.Equal(t, state.StatusFailed, status)
			require.NotNil(t, errMsg)
			return nil
		},
	}

	s, reg := newTestScheduler(t, &MockScheduleRepository{}, executions, nil)
	require.NoError(t, reg.Register("broken", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})))

	s.results = make(chan outcome, 4)
	s.execute(context.Background(), testSchedule("broken"))

	// MaxRetries 2 means three attempts, numbered from zero.
	assert.Equal(t, []int{0, 1, 2}, attempts)

	o := drainOne(t, s)
	assert.True(t, o.terminal)
	assert.False(t, o.success)
	assert.Zero(t, o.cost)
}

func TestExecute_TimeoutFailsAttempt(t *testing.T) {
	finishErrs := 0
	executions := &MockExecutionRepository{
		MockInsert: func(ctx context.Context, e *models.Execution) error { return nil },
		MockFinish: func(ctx context.Context, id string, status state.Status, finishedAt time.Time, durationMS int64, result json.RawMessage, errMsg *string) error {
			if errMsg != nil {
				finishErrs++
				assert.Contains(t, *errMsg, "timed out")
			}
			return nil
		},
	}

	s, reg := newTestScheduler(t, &MockScheduleRepository{}, executions, nil)
	require.NoError(t, reg.Register("slow", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))

	job := testSchedule("slow")
	job.MaxRetries = 0
	job.TimeoutMS = 20

	s.results = make(chan outcome, 4)
	s.execute(context.Background(), job)

	assert.Equal(t, 1, finishErrs)
	o := drainOne(t, s)
	assert.True(t, o.terminal)
	assert.False(t, o.success)
}

func TestExecute_BudgetSkip(t *testing.T) {
	var skipped *models.Execution
	executions := &MockExecutionRepository{
		MockInsert: func(ctx context.Context, e *models.Execution) error {
			skipped = e
			return nil
		},
	}
	budget := &mockBudget{
		MockOverBudget: func(ctx context.Context, agentType string) (bool, error) { return true, nil },
	}

	s, reg := newTestScheduler(t, &MockScheduleRepository{}, executions, budget)
	handlerCalled := false
	require.NoError(t, reg.Register("pricey", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		handlerCalled = true
		return nil, nil
	})))

	s.results = make(chan outcome, 4)
	s.execute(context.Background(), testSchedule("pricey"))

	assert.False(t, handlerCalled)
	require.NotNil(t, skipped)
	assert.Equal(t, state.StatusSkipped, skipped.Status)
	require.NotNil(t, skipped.FinishedAt)

	// Skipped ticks advance run times but do not count as outcomes.
	o := drainOne(t, s)
	assert.False(t, o.terminal)
	assert.False(t, o.nextRun.IsZero())
}

func TestExecute_MissingHandler(t *testing.T) {
	var failed *models.Execution
	executions := &MockExecutionRepository{
		MockInsert: func(ctx context.Context, e *models.Execution) error {
			failed = e
			return nil
		},
	}

	s, _ := newTestScheduler(t, &MockScheduleRepository{}, executions, nil)

	s.results = make(chan outcome, 4)
	s.execute(context.Background(), testSchedule("ghost"))

	require.NotNil(t, failed)
	assert.Equal(t, state.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "not registered")

	o := drainOne(t, s)
	assert.True(t, o.terminal)
	assert.False(t, o.success)
}

// ===================== operations =========================

func TestCreateSchedule(t *testing.T) {
	var created *models.Schedule
	schedules := &MockScheduleRepository{
		MockCreate: func(ctx context.Context, s *models.Schedule) error {
			created = s
			return nil
		},
	}

	s, reg := newTestScheduler(t, schedules, &MockExecutionRepository{}, nil)
	require.NoError(t, reg.Register("campaign_cleanup", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})))

	job := &models.Schedule{
		Name:       "  weekly  ",
		AgentType:  "campaign_cleanup",
		Expression: "0 6 * * 1",
	}
	require.NoError(t, s.CreateSchedule(context.Background(), job))

	require.NotNil(t, created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "weekly", created.Name)
	require.NotNil(t, created.NextRunAt)

	// MaxRetries zero means no retries and is stored as given, even though
	// the config default is 2; only the delay shape and timeout fall back to
	// the config.
	assert.Equal(t, 0, created.MaxRetries)
	assert.Equal(t, int64(1), created.BaseDelayMS)
	assert.Equal(t, 2.0, created.Multiplier)
	assert.Equal(t, int64(5), created.MaxDelayMS)
	assert.Equal(t, time.Second.Milliseconds(), created.TimeoutMS)
}

func TestCreateSchedule_ZeroRetriesSticks(t *testing.T) {
	var created *models.Schedule
	schedules := &MockScheduleRepository{
		MockCreate: func(ctx context.Context, s *models.Schedule) error {
			created = s
			return nil
		},
	}

	s, reg := newTestScheduler(t, schedules, &MockExecutionRepository{}, nil)
	require.NoError(t, reg.Register("oneshot", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})))

	job := &models.Schedule{
		Name:        "no-retries",
		AgentType:   "oneshot",
		Expression:  "*/5 * * * *",
		MaxRetries:  0,
		BaseDelayMS: 250,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), job))

	require.NotNil(t, created)
	assert.Equal(t, 0, created.MaxRetries)
	assert.Equal(t, int64(250), created.BaseDelayMS)
}

func TestCreateSchedule_Invalid(t *testing.T) {
	s, reg := newTestScheduler(t, &MockScheduleRepository{}, &MockExecutionRepository{}, nil)
	require.NoError(t, reg.Register("known", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})))

	tests := []struct {
		name string
		job  models.Schedule
	}{
		{name: "missing name", job: models.Schedule{AgentType: "known", Expression: "* * * * *"}},
		{name: "unknown agent", job: models.Schedule{Name: "x", AgentType: "nope", Expression: "* * * * *"}},
		{name: "bad cron", job: models.Schedule{Name: "x", AgentType: "known", Expression: "bogus"}},
		{name: "bad timezone", job: models.Schedule{Name: "x", AgentType: "known", Expression: "* * * * *", Timezone: "Mars/Olympus"}},
		{name: "negative retries", job: models.Schedule{Name: "x", AgentType: "known", Expression: "* * * * *", MaxRetries: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job
			assert.Error(t, s.CreateSchedule(context.Background(), &job))
		})
	}
}

func TestRunNow_DisabledSchedule(t *testing.T) {
	job := testSchedule("x")
	job.Enabled = false
	schedules := &MockScheduleRepository{
		MockGet: func(ctx context.Context, id string) (*models.Schedule, error) { return &job, nil },
	}

	s, _ := newTestScheduler(t, schedules, &MockExecutionRepository{}, nil)
	err := s.RunNow(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrScheduleDisabled)
}

func TestStats_MergesScheduleCounts(t *testing.T) {
	schedules := &MockScheduleRepository{
		MockCountByEnabled: func(ctx context.Context) (int64, int64, error) { return 3, 5, nil },
	}
	executions := &MockExecutionRepository{
		MockAggregateStats: func(ctx context.Context) (*models.AggregateStats, error) {
			return &models.AggregateStats{TotalExecutions: 10, Succeeded: 8, Failed: 2}, nil
		},
	}

	s, _ := newTestScheduler(t, schedules, executions, nil)
	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ActiveSchedules)
	assert.Equal(t, int64(5), stats.TotalSchedules)
	assert.Equal(t, int64(10), stats.TotalExecutions)
}

// ===================== lifecycle =========================

func TestStartStop(t *testing.T) {
	job := testSchedule("noop")
	schedules := &MockScheduleRepository{
		MockListEnabled: func(ctx context.Context) ([]models.Schedule, error) {
			return []models.Schedule{job}, nil
		},
		MockUpdateRunTimes: func(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error { return nil },
		MockRecordOutcome:  func(ctx context.Context, id string, success bool) error { return nil },
	}
	interrupted := false
	executions := &MockExecutionRepository{
		MockMarkInterrupted: func(ctx context.Context) (int64, error) {
			interrupted = true
			return 0, nil
		},
	}

	s, reg := newTestScheduler(t, schedules, executions, nil)
	require.NoError(t, reg.Register("noop", registry.HandlerFunc(func(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, interrupted)

	s.mu.Lock()
	assert.Len(t, s.entries, 1)
	s.mu.Unlock()

	// Idempotent.
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	s.mu.Lock()
	assert.False(t, s.started)
	s.mu.Unlock()
}
