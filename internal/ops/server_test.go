package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryd/gantry/internal/breaker"
	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/faults"
	"github.com/gantryd/gantry/internal/health"
	"github.com/gantryd/gantry/internal/platform/memory"
	"github.com/gantryd/gantry/internal/queue"
	"github.com/gantryd/gantry/internal/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	queue     *queue.Queue
	breakers  *breaker.Registry
	recovery  *faults.Manager
	scheduler *scheduler.Scheduler
	monitor   *health.Monitor
	server    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	q, err := queue.New(memory.NewTaskStore(), queue.Config{}, testLogger())
	require.NoError(t, err)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	}, testLogger())
	recovery := faults.NewManager(faults.ManagerConfig{}, testLogger())

	collector, err := health.NewCollector(q, breakers, recovery)
	require.NoError(t, err)

	sched, err := scheduler.New(memory.NewScheduleStore(), q, scheduler.Config{}, testLogger())
	require.NoError(t, err)

	monitor := health.NewMonitor(health.MonitorConfig{}, testLogger())

	server, err := NewServer("127.0.0.1:0", Deps{
		Collector: collector,
		Queue:     q,
		Breakers:  breakers,
		Recovery:  recovery,
		Scheduler: sched,
		Monitor:   monitor,
	}, testLogger())
	require.NoError(t, err)

	return &fixture{
		queue:     q,
		breakers:  breakers,
		recovery:  recovery,
		scheduler: sched,
		monitor:   monitor,
		server:    server,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()

	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestNewServerRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer("", Deps{}, testLogger())
	assert.ErrorContains(t, err, "listen address")

	_, err = NewServer("127.0.0.1:0", Deps{}, testLogger())
	assert.ErrorContains(t, err, "health collector")
}

func TestHealthzHealthy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	decodeBody(t, rec, &report)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, 100.0, report.Score)
}

func TestHealthzUnhealthyReturns503(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Two tripped breakers plus a 90% failure rate drives the score
	// below the degraded floor.
	boom := func(context.Context) error { return errors.New("down") }
	require.Error(t, f.breakers.Get("browser").Call(ctx, boom))
	require.Error(t, f.breakers.Get("notifier").Call(ctx, boom))

	for i := 0; i < 9; i++ {
		task, err := f.queue.Enqueue(ctx, "submit", nil, queue.WithMaxRetries(0))
		require.NoError(t, err)
		_, err = f.queue.Dequeue(ctx, nil, "w-0")
		require.NoError(t, err)
		_, err = f.queue.Fail(ctx, task.ID, "w-0", errors.New("handler failed"))
		require.NoError(t, err)
	}
	task, err := f.queue.Enqueue(ctx, "submit", nil)
	require.NoError(t, err)
	_, err = f.queue.Dequeue(ctx, nil, "w-0")
	require.NoError(t, err)
	_, err = f.queue.Complete(ctx, task.ID, "w-0", nil)
	require.NoError(t, err)

	rec := f.get(t, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report health.Report
	decodeBody(t, rec, &report)
	assert.Equal(t, health.StatusUnhealthy, report.Status)
}

func TestQueueStatsRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, "scrape", json.RawMessage(`{"page":1}`))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "scrape", nil, queue.WithDelay(time.Hour))
	require.NoError(t, err)

	rec := f.get(t, "/stats/queue")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats domain.QueueStats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 2, stats.Counts.Pending)
	assert.Equal(t, 1, stats.Delayed)
	assert.Contains(t, stats.PerType, "scrape")
}

func TestBreakerStatsRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.breakers.Get("browser")

	rec := f.get(t, "/stats/breakers")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]breaker.Stats
	decodeBody(t, rec, &stats)
	require.Contains(t, stats, "browser")
	assert.Equal(t, breaker.StateClosed, stats["browser"].State)
}

func TestErrorStatsRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.recovery.Handle(ctx, "upwork", "scrape", errors.New("connection refused"))
	f.recovery.Handle(ctx, "upwork", "scrape", fmt.Errorf("http 429: too many requests"))

	rec := f.get(t, "/stats/errors")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats faults.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, "upwork", stats.MostAffectedService)
}

func TestSchedulesRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	sched, err := domain.NewScheduledTask("nightly-cleanup", "0 2 * * *", "cleanup_tasks", nil)
	require.NoError(t, err)
	require.NoError(t, f.scheduler.Create(ctx, sched))

	rec := f.get(t, "/schedules")
	require.Equal(t, http.StatusOK, rec.Code)

	var schedules []domain.ScheduledTask
	decodeBody(t, rec, &schedules)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly-cleanup", schedules[0].Name)
	assert.Equal(t, "0 2 * * *", schedules[0].CronExpr)
}

func TestChecksRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.monitor.RegisterCheck("database", func(context.Context) error { return nil })

	rec := f.get(t, "/checks")
	require.Equal(t, http.StatusOK, rec.Code)

	var checks map[string]health.CheckState
	decodeBody(t, rec, &checks)
	require.Contains(t, checks, "database")
	assert.True(t, checks["database"].Healthy)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx) }()

	// Give the listener a moment to bind before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}
