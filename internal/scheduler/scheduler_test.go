package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryd/gantry/internal/config"
	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/platform/memory"
	"github.com/gantryd/gantry/internal/queue"
	"github.com/gantryd/gantry/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingTaskStore makes every enqueue fail while delegating the rest.
type failingTaskStore struct {
	store.TaskStore
}

func (f *failingTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	return errors.New("store unavailable")
}

// stubScheduleStore hands the test full control over due rows and
// update persistence.
type stubScheduleStore struct {
	dueFn    func(ctx context.Context, now time.Time) ([]*domain.ScheduledTask, error)
	updateFn func(ctx context.Context, s *domain.ScheduledTask) error
}

func (s *stubScheduleStore) CreateSchedule(ctx context.Context, sched *domain.ScheduledTask) error {
	return nil
}

func (s *stubScheduleStore) GetSchedule(ctx context.Context, name string) (*domain.ScheduledTask, error) {
	return nil, store.ErrScheduleNotFound
}

func (s *stubScheduleStore) ListSchedules(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return nil, nil
}

func (s *stubScheduleStore) UpdateSchedule(ctx context.Context, sched *domain.ScheduledTask) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, sched)
	}
	return nil
}

func (s *stubScheduleStore) DeleteSchedule(ctx context.Context, name string) (bool, error) {
	return false, nil
}

func (s *stubScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]*domain.ScheduledTask, error) {
	if s.dueFn != nil {
		return s.dueFn(ctx, now)
	}
	return nil, nil
}

type fixture struct {
	scheduler *Scheduler
	defs      *memory.ScheduleStore
	tasks     *memory.TaskStore
	frozen    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	defs := memory.NewScheduleStore()
	tasks := memory.NewTaskStore()
	q, err := queue.New(tasks, queue.Config{}, testLogger())
	require.NoError(t, err)

	s, err := New(defs, q, Config{}, testLogger())
	require.NoError(t, err)

	frozen := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	return &fixture{scheduler: s, defs: defs, tasks: tasks, frozen: frozen}
}

// addDueSchedule stores a definition whose next run is already in the past.
func (f *fixture) addDueSchedule(t *testing.T, name, cronExpr string, opts ...domain.ScheduleOption) *domain.ScheduledTask {
	t.Helper()

	sched, err := domain.NewScheduledTask(name, cronExpr, "job_discovery",
		json.RawMessage(`{"source":"schedule"}`), opts...)
	require.NoError(t, err)

	past := f.frozen.Add(-time.Minute)
	sched.NextRun = &past
	require.NoError(t, f.defs.CreateSchedule(context.Background(), sched))
	return sched
}

func TestTickFiresDueDefinition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.addDueSchedule(t, "half-hourly-discovery", "*/30 * * * *",
		domain.WithSchedulePriority(8),
		domain.WithScheduleMaxRetries(2))

	f.scheduler.tick(ctx)

	// The definition produced exactly one pending task
	task, err := f.tasks.ClaimNextTask(ctx, nil, "t", time.Minute, f.frozen)
	require.NoError(t, err)
	assert.Equal(t, "job_discovery", task.TaskType)
	assert.Equal(t, 8, task.Priority)
	assert.Equal(t, 2, task.MaxRetries)
	assert.JSONEq(t, `{"source":"schedule"}`, string(task.Payload))

	_, err = f.tasks.ClaimNextTask(ctx, nil, "t", time.Minute, f.frozen)
	assert.ErrorIs(t, err, store.ErrNoEligibleTasks)

	// last_run records the fire; next_run advances from now, so a
	// 10:05 evaluation of */30 lands on 10:30
	stored, err := f.defs.GetSchedule(ctx, "half-hourly-discovery")
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.True(t, stored.LastRun.Equal(f.frozen))
	require.NotNil(t, stored.NextRun)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), stored.NextRun.UTC())
}

func TestTickMissedRunsFireOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// next_run is hours stale: a scheduler outage. One fire, no catch-up burst.
	sched := f.addDueSchedule(t, "half-hourly-discovery", "*/30 * * * *")
	wayPast := f.frozen.Add(-6 * time.Hour)
	sched.NextRun = &wayPast
	require.NoError(t, f.defs.UpdateSchedule(ctx, sched))

	f.scheduler.tick(ctx)

	stats, err := f.tasks.QueueStats(ctx, f.frozen)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts.Pending, "missed intervals must not each fire")

	stored, err := f.defs.GetSchedule(ctx, "half-hourly-discovery")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), stored.NextRun.UTC())
}

func TestTickSkipsWhenNothingDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	sched, err := domain.NewScheduledTask("hourly", "0 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	future := f.frozen.Add(time.Hour)
	sched.NextRun = &future
	require.NoError(t, f.defs.CreateSchedule(ctx, sched))

	f.scheduler.tick(ctx)

	stats, err := f.tasks.QueueStats(ctx, f.frozen)
	require.NoError(t, err)
	assert.Zero(t, stats.Counts.Pending)
}

func TestTickDisablesUnparsableExpression(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A row corrupted after creation: due, enabled, but the stored
	// expression no longer parses.
	past := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	bad := &domain.ScheduledTask{
		Name:     "corrupted",
		CronExpr: "not a cron",
		TaskType: "job_discovery",
		Priority: 5,
		Enabled:  true,
		NextRun:  &past,
	}
	good := &domain.ScheduledTask{
		Name:     "survivor",
		CronExpr: "*/30 * * * *",
		TaskType: "job_discovery",
		Priority: 5,
		Enabled:  true,
		NextRun:  &past,
	}

	var updated []*domain.ScheduledTask
	defs := &stubScheduleStore{
		dueFn: func(ctx context.Context, now time.Time) ([]*domain.ScheduledTask, error) {
			return []*domain.ScheduledTask{bad, good}, nil
		},
		updateFn: func(ctx context.Context, s *domain.ScheduledTask) error {
			updated = append(updated, s)
			return nil
		},
	}

	tasks := memory.NewTaskStore()
	q, err := queue.New(tasks, queue.Config{}, testLogger())
	require.NoError(t, err)
	s, err := New(defs, q, Config{}, testLogger())
	require.NoError(t, err)
	s.now = func() time.Time { return past.Add(5 * time.Minute) }

	s.tick(ctx)

	// The bad row was disabled, the good row fired anyway
	require.Len(t, updated, 2)
	assert.Equal(t, "corrupted", updated[0].Name)
	assert.False(t, updated[0].Enabled)
	assert.Nil(t, updated[0].NextRun)
	assert.Equal(t, "survivor", updated[1].Name)
	assert.True(t, updated[1].Enabled)

	stats, err := tasks.QueueStats(ctx, past)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts.Pending, "a bad definition must not block the rest of the tick")
}

func TestTickEnqueueFailureLeavesNextRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	defs := memory.NewScheduleStore()
	q, err := queue.New(&failingTaskStore{TaskStore: memory.NewTaskStore()}, queue.Config{}, testLogger())
	require.NoError(t, err)
	s, err := New(defs, q, Config{}, testLogger())
	require.NoError(t, err)

	frozen := time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC)
	s.now = func() time.Time { return frozen }

	sched, err := domain.NewScheduledTask("half-hourly", "*/30 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	past := frozen.Add(-time.Minute)
	sched.NextRun = &past
	require.NoError(t, defs.CreateSchedule(ctx, sched))

	s.tick(ctx)

	stored, err := defs.GetSchedule(ctx, "half-hourly")
	require.NoError(t, err)
	assert.Nil(t, stored.LastRun)
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.Equal(past), "a failed enqueue must leave next_run for the next tick to retry")
}

func TestRunFiresOnTicker(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defs := memory.NewScheduleStore()
	tasks := memory.NewTaskStore()
	q, err := queue.New(tasks, queue.Config{}, testLogger())
	require.NoError(t, err)
	s, err := New(defs, q, Config{TickInterval: 10 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	sched, err := domain.NewScheduledTask("half-hourly", "*/30 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	sched.NextRun = &past
	require.NoError(t, defs.CreateSchedule(ctx, sched))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := tasks.QueueStats(context.Background(), time.Now().UTC())
		return err == nil && stats.Counts.Pending == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestCreateValidatesEagerly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	sched, err := domain.NewScheduledTask("hourly", "0 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Create(ctx, sched))

	// Duplicate name rejected
	dup, err := domain.NewScheduledTask("hourly", "0 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, f.scheduler.Create(ctx, dup), store.ErrScheduleExists)

	// Corrupted definition rejected before it reaches the store
	sched.CronExpr = "61 * * * *"
	assert.ErrorIs(t, f.scheduler.Create(ctx, sched), domain.ErrInvalidCronExpression)

	assert.ErrorIs(t, f.scheduler.Create(ctx, nil), domain.ErrValidation)
}

func TestUpdatePartial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	sched, err := domain.NewScheduledTask("hourly", "0 * * * *", "job_discovery", nil,
		domain.WithSchedulePriority(5))
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Create(ctx, sched))

	// Priority-only update leaves everything else alone
	priority := 9
	updated, err := f.scheduler.Update(ctx, "hourly", ScheduleUpdate{Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, "0 * * * *", updated.CronExpr)
	assert.True(t, updated.Enabled)

	// Changing the expression recomputes next_run from now
	expr := "*/30 * * * *"
	updated, err = f.scheduler.Update(ctx, "hourly", ScheduleUpdate{CronExpr: &expr})
	require.NoError(t, err)
	require.NotNil(t, updated.NextRun)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), updated.NextRun.UTC())

	// Invalid expression is rejected and nothing is persisted
	bad := "not a cron"
	_, err = f.scheduler.Update(ctx, "hourly", ScheduleUpdate{CronExpr: &bad})
	assert.ErrorIs(t, err, domain.ErrInvalidCronExpression)
	stored, err := f.scheduler.Get(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * *", stored.CronExpr)

	_, err = f.scheduler.Update(ctx, "missing", ScheduleUpdate{})
	assert.ErrorIs(t, err, store.ErrScheduleNotFound)
}

func TestUpdateEnableDisable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	sched, err := domain.NewScheduledTask("hourly", "0 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Create(ctx, sched))

	off := false
	updated, err := f.scheduler.Update(ctx, "hourly", ScheduleUpdate{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextRun, "disabling clears next_run")

	on := true
	updated, err = f.scheduler.Update(ctx, "hourly", ScheduleUpdate{Enabled: &on})
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	require.NotNil(t, updated.NextRun)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), updated.NextRun.UTC(),
		"enabling recomputes next_run from now")
}

func TestSeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// One definition already exists with an operator-tuned priority
	existing, err := domain.NewScheduledTask("nightly_cleanup", "0 2 * * *", "cleanup_tasks", nil,
		domain.WithSchedulePriority(2))
	require.NoError(t, err)
	require.NoError(t, f.defs.CreateSchedule(ctx, existing))

	defs := []config.ScheduleConfig{
		{
			Name:     "nightly_cleanup",
			Cron:     "0 3 * * *",
			TaskType: "cleanup_tasks",
			Priority: 7,
		},
		{
			Name:     "half-hourly-discovery",
			Cron:     "*/30 * * * *",
			TaskType: "job_discovery",
			Payload:  map[string]any{"query": "golang"},
		},
		{
			Name:     "paused_report",
			Cron:     "0 8 * * 1",
			TaskType: "send_notification",
			Disabled: true,
		},
	}

	require.NoError(t, f.scheduler.Seed(ctx, defs))

	// The existing row kept the operator's values
	stored, err := f.defs.GetSchedule(ctx, "nightly_cleanup")
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", stored.CronExpr)
	assert.Equal(t, 2, stored.Priority)

	created, err := f.defs.GetSchedule(ctx, "half-hourly-discovery")
	require.NoError(t, err)
	assert.True(t, created.Enabled)
	assert.JSONEq(t, `{"query":"golang"}`, string(created.Payload))

	paused, err := f.defs.GetSchedule(ctx, "paused_report")
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
	assert.Nil(t, paused.NextRun)

	// Seeding again is a no-op
	require.NoError(t, f.scheduler.Seed(ctx, defs))
	list, err := f.defs.ListSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestSeedRejectsInvalidDefinition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	err := f.scheduler.Seed(ctx, []config.ScheduleConfig{
		{Name: "broken", Cron: "every 5 minutes", TaskType: "job_discovery"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCronExpression)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	sched, err := domain.NewScheduledTask("hourly", "0 * * * *", "job_discovery", nil)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Create(ctx, sched))

	deleted, err := f.scheduler.Delete(ctx, "hourly")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.scheduler.Delete(ctx, "hourly")
	require.NoError(t, err)
	assert.False(t, deleted)
}
