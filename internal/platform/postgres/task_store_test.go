package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/store"
)

var taskTestColumns = []string{
	"id", "task_type", "payload", "priority", "status", "attempts", "max_retries",
	"scheduled_at", "claimed_by", "claim_expires_at", "created_at", "started_at",
	"completed_at", "result", "last_error",
}

func newMockTaskStore(t *testing.T) (*TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskStore(db), mock
}

// typeFilterConverter lets []string claim filters through to the mock; the
// real pgx driver encodes them as text[].
type typeFilterConverter struct{}

func (typeFilterConverter) ConvertValue(v any) (driver.Value, error) {
	if _, ok := v.([]string); ok {
		return driver.Value(v), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func taskRows(tasks ...*domain.Task) *sqlmock.Rows {
	rows := sqlmock.NewRows(taskTestColumns)
	for _, task := range tasks {
		rows.AddRow(
			task.ID.String(),
			task.TaskType,
			[]byte(task.Payload),
			task.Priority,
			string(task.Status),
			task.Attempts,
			task.MaxRetries,
			task.ScheduledAt,
			strOrNil(task.ClaimedBy),
			timeOrNil(task.ClaimExpiresAt),
			task.CreatedAt,
			timeOrNil(task.StartedAt),
			timeOrNil(task.CompletedAt),
			[]byte(task.Result),
			strOrNil(task.LastError),
		)
	}
	return rows
}

func strOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func sampleTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := domain.NewTask("job_discovery", json.RawMessage(`{"query":"golang"}`))
	require.NoError(t, err)
	return task
}

func processingTask(now time.Time) *domain.Task {
	expires := now.Add(time.Minute)
	started := now
	return &domain.Task{
		ID:             uuid.New(),
		TaskType:       "job_discovery",
		Payload:        json.RawMessage(`{"query":"golang"}`),
		Priority:       domain.DefaultTaskPriority,
		Status:         domain.TaskStatusProcessing,
		Attempts:       1,
		MaxRetries:     3,
		ScheduledAt:    now.Add(-time.Minute),
		ClaimedBy:      "w-0",
		ClaimExpiresAt: &expires,
		CreatedAt:      now.Add(-time.Minute),
		StartedAt:      &started,
	}
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	t.Run("inserts the task row", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := sampleTask(t)
		task.ScheduledAt = now
		task.CreatedAt = now

		mock.ExpectExec(`INSERT INTO tasks`).
			WithArgs(
				task.ID, task.TaskType, []byte(task.Payload), task.Priority, "pending",
				0, 3, now, nil, nil, now, nil, nil, []byte(nil), nil,
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := st.CreateTask(context.Background(), task)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violations to duplicate errors", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		mock.ExpectExec(`INSERT INTO tasks`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "tasks_pkey"})

		err := st.CreateTask(context.Background(), sampleTask(t))

		assert.ErrorIs(t, err, store.ErrDuplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid tasks before touching the database", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := sampleTask(t)
		task.TaskType = ""

		err := st.CreateTask(context.Background(), task)

		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	t.Run("round-trips all columns", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
		task := processingTask(now)
		task.LastError = "connection reset by peer"

		mock.ExpectQuery(`FROM tasks WHERE id`).
			WithArgs(task.ID).
			WillReturnRows(taskRows(task))

		got, err := st.GetTask(context.Background(), task.ID)

		require.NoError(t, err)
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, domain.TaskStatusProcessing, got.Status)
		assert.Equal(t, "w-0", got.ClaimedBy)
		assert.JSONEq(t, `{"query":"golang"}`, string(got.Payload))
		assert.Equal(t, "connection reset by peer", got.LastError)
		require.NotNil(t, got.ClaimExpiresAt)
		assert.True(t, got.ClaimExpiresAt.Equal(now.Add(time.Minute)))
		require.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports missing tasks", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		id := uuid.New()
		mock.ExpectQuery(`FROM tasks WHERE id`).
			WithArgs(id).
			WillReturnRows(taskRows())

		got, err := st.GetTask(context.Background(), id)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClaimNextTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	t.Run("claims with a locked subquery", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		claimed := processingTask(now)
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WithArgs("w-0", now.Add(time.Minute), now, nil).
			WillReturnRows(taskRows(claimed))

		got, err := st.ClaimNextTask(context.Background(), nil, "w-0", time.Minute, now)

		require.NoError(t, err)
		assert.Equal(t, claimed.ID, got.ID)
		assert.Equal(t, domain.TaskStatusProcessing, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("passes the type filter as an array", func(t *testing.T) {
		t.Parallel()
		db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(typeFilterConverter{}))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		st := NewTaskStore(db)

		claimed := processingTask(now)
		types := []string{"job_discovery", "proposal_submit"}
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WithArgs("w-0", now.Add(time.Minute), now, types).
			WillReturnRows(taskRows(claimed))

		_, err = st.ClaimNextTask(context.Background(), types, "w-0", time.Minute, now)

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports an empty queue", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WillReturnRows(taskRows())

		got, err := st.ClaimNextTask(context.Background(), nil, "w-0", time.Minute, now)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, store.ErrNoEligibleTasks)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCompleteTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	t.Run("completes a task it owns", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		done := *task
		done.Status = domain.TaskStatusCompleted
		done.Result = json.RawMessage(`{"jobs":3}`)
		completed := now
		done.CompletedAt = &completed
		done.ClaimedBy = ""
		done.ClaimExpiresAt = nil

		mock.ExpectQuery(`SET status = 'completed'`).
			WithArgs(task.ID, "w-0", []byte(`{"jobs":3}`), now).
			WillReturnRows(taskRows(&done))

		got, err := st.CompleteTask(context.Background(), task.ID, "w-0", json.RawMessage(`{"jobs":3}`), now)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		assert.JSONEq(t, `{"jobs":3}`, string(got.Result))
		assert.Empty(t, got.ClaimedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("is idempotent for already completed tasks", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		task.Status = domain.TaskStatusCompleted
		task.ClaimedBy = ""
		task.ClaimExpiresAt = nil
		completed := now.Add(-time.Second)
		task.CompletedAt = &completed
		task.Result = json.RawMessage(`{"jobs":3}`)

		mock.ExpectQuery(`SET status = 'completed'`).
			WillReturnRows(taskRows())
		mock.ExpectQuery(`FROM tasks WHERE id`).
			WithArgs(task.ID).
			WillReturnRows(taskRows(task))

		got, err := st.CompleteTask(context.Background(), task.ID, "w-0", nil, now)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusCompleted, got.Status)
		assert.JSONEq(t, `{"jobs":3}`, string(got.Result))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a worker that lost its claim", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		task.ClaimedBy = "w-1"

		mock.ExpectQuery(`SET status = 'completed'`).
			WillReturnRows(taskRows())
		mock.ExpectQuery(`FROM tasks WHERE id`).
			WillReturnRows(taskRows(task))

		got, err := st.CompleteTask(context.Background(), task.ID, "w-0", nil, now)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, store.ErrNotClaimOwner)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects terminal tasks", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		task.Status = domain.TaskStatusFailed
		task.ClaimedBy = ""
		task.ClaimExpiresAt = nil

		mock.ExpectQuery(`SET status = 'completed'`).
			WillReturnRows(taskRows())
		mock.ExpectQuery(`FROM tasks WHERE id`).
			WillReturnRows(taskRows(task))

		got, err := st.CompleteTask(context.Background(), task.ID, "w-0", nil, now)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
		var storeErr *store.StoreError
		assert.ErrorAs(t, err, &storeErr)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports missing tasks", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		mock.ExpectQuery(`SET status = 'completed'`).
			WillReturnRows(taskRows())
		mock.ExpectQuery(`FROM tasks WHERE id`).
			WillReturnRows(taskRows())

		got, err := st.CompleteTask(context.Background(), uuid.New(), "w-0", nil, now)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFailTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	retryAt := now.Add(30 * time.Second)

	t.Run("returns the task to pending when budget remains", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		retried := *task
		retried.Status = domain.TaskStatusPending
		retried.ScheduledAt = retryAt
		retried.LastError = "connection reset by peer"
		retried.ClaimedBy = ""
		retried.ClaimExpiresAt = nil

		mock.ExpectQuery(`SET last_error`).
			WithArgs(task.ID, "w-0", "connection reset by peer", false, now, retryAt).
			WillReturnRows(taskRows(&retried))

		got, err := st.FailTask(context.Background(), task.ID, "w-0",
			"connection reset by peer", retryAt, false, now)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, got.Status)
		assert.True(t, got.ScheduledAt.Equal(retryAt))
		assert.Nil(t, got.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("dead-letters when retries are forbidden", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		failed := *task
		failed.Status = domain.TaskStatusFailed
		failed.LastError = "invalid input: missing field"
		completed := now
		failed.CompletedAt = &completed
		failed.ClaimedBy = ""
		failed.ClaimExpiresAt = nil

		mock.ExpectQuery(`SET last_error`).
			WithArgs(task.ID, "w-0", "invalid input: missing field", true, now, retryAt).
			WillReturnRows(taskRows(&failed))

		got, err := st.FailTask(context.Background(), task.ID, "w-0",
			"invalid input: missing field", retryAt, true, now)

		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusFailed, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects verdicts on tasks that are not processing", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		task := processingTask(now)
		task.Status = domain.TaskStatusCancelled
		task.ClaimedBy = ""
		task.ClaimExpiresAt = nil

		mock.ExpectQuery(`SET last_error`).
			WillReturnRows(taskRows())
		mock.ExpectQuery(`FROM tasks WHERE id`).
			WillReturnRows(taskRows(task))

		got, err := st.FailTask(context.Background(), task.ID, "w-0", "boom", retryAt, false, now)

		assert.Nil(t, got)
		assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	t.Run("cancels a pending task", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		id := uuid.New()
		mock.ExpectExec(`SET status = 'cancelled'`).
			WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		cancelled, err := st.CancelTask(context.Background(), id, now)

		require.NoError(t, err)
		assert.True(t, cancelled)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("leaves claimed tasks untouched", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		id := uuid.New()
		mock.ExpectExec(`SET status = 'cancelled'`).
			WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		cancelled, err := st.CancelTask(context.Background(), id, now)

		require.NoError(t, err)
		assert.False(t, cancelled)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports missing tasks", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		id := uuid.New()
		mock.ExpectExec(`SET status = 'cancelled'`).
			WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		cancelled, err := st.CancelTask(context.Background(), id, now)

		assert.False(t, cancelled)
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReclaimExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	retryAt := func(attempts int) time.Time {
		return now.Add(time.Duration(attempts) * time.Minute)
	}

	t.Run("sweeps expired claims in one transaction", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		exhausted := processingTask(now)
		exhausted.ClaimedBy = "w-dead"
		exhausted.Attempts = 3

		retryable := processingTask(now)
		retryable.ClaimedBy = "w-gone"
		retryable.Attempts = 1

		mock.ExpectBegin()
		mock.ExpectQuery(`claim_expires_at <`).
			WithArgs(now).
			WillReturnRows(taskRows(exhausted, retryable))
		mock.ExpectExec(`UPDATE tasks`).
			WithArgs(exhausted.ID, "failed", exhausted.ScheduledAt, now,
				"claim by w-dead expired at attempt 3").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE tasks`).
			WithArgs(retryable.ID, "pending", retryAt(1), nil,
				"claim by w-gone expired at attempt 1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		reclaimed, err := st.ReclaimExpired(context.Background(), retryAt, now)

		require.NoError(t, err)
		require.Len(t, reclaimed, 2)
		assert.Equal(t, domain.TaskStatusFailed, reclaimed[0].Status)
		require.NotNil(t, reclaimed[0].CompletedAt)
		assert.Equal(t, domain.TaskStatusPending, reclaimed[1].Status)
		assert.True(t, reclaimed[1].ScheduledAt.Equal(retryAt(1)))
		assert.Equal(t, "claim by w-gone expired at attempt 1", reclaimed[1].LastError)
		assert.Empty(t, reclaimed[1].ClaimedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commits even when nothing expired", func(t *testing.T) {
		t.Parallel()
		st, mock := newMockTaskStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(`claim_expires_at <`).
			WithArgs(now).
			WillReturnRows(taskRows())
		mock.ExpectCommit()

		reclaimed, err := st.ReclaimExpired(context.Background(), retryAt, now)

		require.NoError(t, err)
		assert.Empty(t, reclaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("joins a caller-managed transaction instead of opening its own", func(t *testing.T) {
		t.Parallel()
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		mock.ExpectBegin()
		mock.ExpectQuery(`claim_expires_at <`).
			WithArgs(now).
			WillReturnRows(taskRows())
		mock.ExpectCommit()

		tx, err := db.Begin()
		require.NoError(t, err)

		txStore := NewTaskStore(db).WithTx(tx)
		reclaimed, err := txStore.ReclaimExpired(context.Background(), retryAt, now)
		require.NoError(t, err)
		assert.Empty(t, reclaimed)

		require.NoError(t, tx.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueueStats(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	oldest := now.Add(-time.Hour)
	newer := now.Add(-time.Minute)

	st, mock := newMockTaskStore(t)

	rows := sqlmock.NewRows([]string{"task_type", "status", "total", "delayed", "oldest_pending_at"}).
		AddRow("job_discovery", "pending", 3, 1, oldest).
		AddRow("job_discovery", "completed", 2, 0, nil).
		AddRow("proposal_submit", "pending", 1, 0, newer).
		AddRow("proposal_submit", "failed", 1, 0, nil)

	mock.ExpectQuery(`GROUP BY task_type, status`).
		WithArgs(now).
		WillReturnRows(rows)

	stats, err := st.QueueStats(context.Background(), now)

	require.NoError(t, err)
	assert.Equal(t, 4, stats.Counts.Pending)
	assert.Equal(t, 2, stats.Counts.Completed)
	assert.Equal(t, 1, stats.Counts.Failed)
	assert.Equal(t, 1, stats.Delayed)
	assert.Equal(t, 3, stats.PerType["job_discovery"].Pending)
	assert.Equal(t, 1, stats.PerType["proposal_submit"].Failed)
	require.NotNil(t, stats.OldestPendingAt)
	assert.True(t, stats.OldestPendingAt.Equal(oldest))
	assert.True(t, stats.CollectedAt.Equal(now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTerminalBefore(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	st, mock := newMockTaskStore(t)

	mock.ExpectExec(`DELETE FROM tasks`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := st.DeleteTerminalBefore(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextTaskInfrastructureError(t *testing.T) {
	t.Parallel()

	st, mock := newMockTaskStore(t)

	dbErr := errors.New("connection refused")
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnError(dbErr)

	got, err := st.ClaimNextTask(context.Background(), nil, "w-0", time.Minute, time.Now())

	assert.Nil(t, got)
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, store.ErrNoEligibleTasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}
