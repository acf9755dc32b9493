package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/platform/logger"
	"github.com/gantryd/gantry/internal/store"
)

// taskColumns is the column list every task query selects or returns, in the
// order scanTask expects.
const taskColumns = `id, task_type, payload, priority, status, attempts, max_retries,
	scheduled_at, claimed_by, claim_expires_at, created_at, started_at, completed_at,
	result, last_error`

// TaskStore implements store.TaskStore on PostgreSQL. Claim contention is
// resolved with FOR UPDATE SKIP LOCKED, so concurrent workers neither block
// on nor double-claim the same row.
type TaskStore struct {
	db store.DBTX

	// sqlDB is the raw handle used to open transactions. It is nil for
	// stores created by WithTx, which already run inside one.
	sqlDB *sql.DB
}

// NewTaskStore creates a TaskStore backed by the given database handle.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{
		db:    db,
		sqlDB: db,
	}
}

// WithTx returns a TaskStore that runs every operation on the given
// transaction.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

// CreateTask inserts a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (
			id, task_type, payload, priority, status, attempts, max_retries,
			scheduled_at, claimed_by, claim_expires_at, created_at, started_at,
			completed_at, result, last_error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.TaskType,
		[]byte(task.Payload),
		task.Priority,
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.ScheduledAt.UTC(),
		nullString(task.ClaimedBy),
		nullTimePtr(task.ClaimExpiresAt),
		task.CreatedAt.UTC(),
		nullTimePtr(task.StartedAt),
		nullTimePtr(task.CompletedAt),
		[]byte(task.Result),
		nullString(task.LastError),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
		}
		log.Error("failed to insert task",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"error", err)
		return fmt.Errorf("failed to insert task: %w", MapError(err))
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ClaimNextTask atomically claims the next eligible pending task. The
// subquery picks the winner in claim order and locks it, the update flips it
// to processing and consumes an attempt, and RETURNING hands back the claimed
// row in one round trip.
func (s *TaskStore) ClaimNextTask(
	ctx context.Context,
	taskTypes []string,
	claimedBy string,
	claimDuration time.Duration,
	now time.Time,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)
	now = now.UTC()

	query := `
		UPDATE tasks
		SET status = 'processing',
			claimed_by = $1,
			claim_expires_at = $2,
			started_at = $3,
			attempts = attempts + 1
		WHERE id = (
			SELECT id
			FROM tasks
			WHERE status = 'pending'
				AND scheduled_at <= $3
				AND ($4::text[] IS NULL OR task_type = ANY($4))
			ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns

	// A NULL filter matches every type.
	var typeFilter any
	if len(taskTypes) > 0 {
		typeFilter = taskTypes
	}

	row := s.db.QueryRowContext(ctx, query, claimedBy, now.Add(claimDuration), now, typeFilter)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoEligibleTasks
		}
		log.Error("failed to claim next task", "claimed_by", claimedBy, "error", err)
		return nil, fmt.Errorf("failed to claim next task: %w", err)
	}

	return task, nil
}

// CompleteTask marks a processing task completed with the given result. The
// update is guarded by status and claim owner; when it matches no row the
// current row is fetched to report why, which also makes completing an
// already completed task an idempotent no-op.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	result json.RawMessage,
	now time.Time,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = 'completed',
			result = $3,
			completed_at = $4,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		RETURNING ` + taskColumns

	row := s.db.QueryRowContext(ctx, query, id, claimedBy, []byte(result), now.UTC())
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to complete task", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	return s.verdictConflict(ctx, id, claimedBy, "complete")
}

// FailTask records a failed attempt by the claim owner. The verdict is
// decided in SQL against the stored attempt count: dead-letter when noRetry
// is set or the budget is spent, otherwise back to pending at retryAt.
func (s *TaskStore) FailTask(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	lastError string,
	retryAt time.Time,
	noRetry bool,
	now time.Time,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET last_error = $3,
			claimed_by = NULL,
			claim_expires_at = NULL,
			status = CASE WHEN $4::bool OR attempts >= max_retries THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN $4::bool OR attempts >= max_retries THEN $5::timestamptz ELSE completed_at END,
			scheduled_at = CASE WHEN $4::bool OR attempts >= max_retries THEN scheduled_at ELSE $6::timestamptz END
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
		RETURNING ` + taskColumns

	row := s.db.QueryRowContext(ctx, query,
		id, claimedBy, lastError, noRetry, now.UTC(), retryAt.UTC())
	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Error("failed to record task failure", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to record task failure: %w", err)
	}

	return s.verdictConflict(ctx, id, claimedBy, "fail")
}

// verdictConflict diagnoses a complete or fail whose guarded update matched
// no row: the task is missing, already terminal, or claimed by someone else.
func (s *TaskStore) verdictConflict(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	op string,
) (*domain.Task, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if op == "complete" && task.Status == domain.TaskStatusCompleted {
		return task, nil
	}
	if task.Status != domain.TaskStatusProcessing {
		return nil, store.NewStoreError(
			"task", op,
			fmt.Sprintf("task is %s", task.Status),
			domain.ErrInvalidStatusTransition,
		)
	}
	if task.ClaimedBy != claimedBy {
		return nil, store.ErrNotClaimOwner
	}

	// The row was processing and ours when fetched but not when updated:
	// another writer got between the two statements.
	return nil, store.NewStoreError("task", op, "task changed concurrently", store.ErrUpdateFailed)
}

// CancelTask cancels a pending task. Claimed and terminal tasks are left
// untouched and reported as not cancelled.
func (s *TaskStore) CancelTask(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = 'cancelled', completed_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, id, now.UTC())
	if err != nil {
		log.Error("failed to cancel task", "task_id", id, "error", err)
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// No pending row matched. Distinguish a missing task from one that was
	// already claimed or terminal.
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check task existence: %w", err)
	}
	if !exists {
		return false, store.ErrTaskNotFound
	}

	return false, nil
}

// ReclaimExpired sweeps processing tasks whose claim expired before now,
// treating each as an implicit failed attempt. The sweep reads the expired
// rows and writes each verdict separately, so it runs in its own transaction
// unless the store already is inside one.
func (s *TaskStore) ReclaimExpired(
	ctx context.Context,
	retryAt func(attempts int) time.Time,
	now time.Time,
) ([]*domain.Task, error) {
	if s.sqlDB == nil {
		return s.reclaimExpired(ctx, s.db, retryAt, now)
	}

	var reclaimed []*domain.Task
	err := store.RunInTransaction(ctx, s.sqlDB, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		reclaimed, err = s.reclaimExpired(ctx, tx, retryAt, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (s *TaskStore) reclaimExpired(
	ctx context.Context,
	db store.DBTX,
	retryAt func(attempts int) time.Time,
	now time.Time,
) ([]*domain.Task, error) {
	log := logger.FromContext(ctx)
	now = now.UTC()

	// Rows locked by an in-flight claim or verdict are skipped; their owner
	// is still alive and about to write its own outcome.
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'processing' AND claim_expires_at < $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := db.QueryContext(ctx, query, now)
	if err != nil {
		log.Error("failed to query expired claims", "error", err)
		return nil, fmt.Errorf("failed to query expired claims: %w", err)
	}

	var expired []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired claim: %w", err)
		}
		expired = append(expired, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read expired claims: %w", err)
	}
	// The result set must be drained and closed before the updates below
	// reuse the same connection.
	rows.Close()

	updateQuery := `
		UPDATE tasks
		SET status = $2,
			scheduled_at = $3,
			completed_at = $4,
			last_error = $5,
			claimed_by = NULL,
			claim_expires_at = NULL
		WHERE id = $1
	`

	for _, task := range expired {
		task.LastError = fmt.Sprintf("claim by %s expired at attempt %d", task.ClaimedBy, task.Attempts)
		task.ClaimedBy = ""
		task.ClaimExpiresAt = nil

		if task.RetriesExhausted() {
			completed := now
			task.Status = domain.TaskStatusFailed
			task.CompletedAt = &completed
		} else {
			task.Status = domain.TaskStatusPending
			task.ScheduledAt = retryAt(task.Attempts).UTC()
		}

		_, err := db.ExecContext(ctx, updateQuery,
			task.ID,
			string(task.Status),
			task.ScheduledAt,
			nullTimePtr(task.CompletedAt),
			task.LastError,
		)
		if err != nil {
			log.Error("failed to reclaim expired claim", "task_id", task.ID, "error", err)
			return nil, fmt.Errorf("failed to reclaim task %s: %w", task.ID, err)
		}
	}

	return expired, nil
}

// QueueStats aggregates task counts by status and type in a single grouped
// query.
func (s *TaskStore) QueueStats(ctx context.Context, now time.Time) (*domain.QueueStats, error) {
	log := logger.FromContext(ctx)
	now = now.UTC()

	query := `
		SELECT task_type,
			status,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_at > $1) AS delayed,
			MIN(created_at) FILTER (WHERE status = 'pending') AS oldest_pending_at
		FROM tasks
		GROUP BY task_type, status
	`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		log.Error("failed to query queue stats", "error", err)
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.QueueStats{
		PerType:     make(map[string]domain.StatusCounts),
		CollectedAt: now,
	}

	for rows.Next() {
		var (
			taskType string
			status   string
			total    int
			delayed  int
			oldest   sql.NullTime
		)
		if err := rows.Scan(&taskType, &status, &total, &delayed, &oldest); err != nil {
			return nil, fmt.Errorf("failed to scan queue stats row: %w", err)
		}

		st := domain.TaskStatus(status)
		addStatusCount(&stats.Counts, st, total)

		perType := stats.PerType[taskType]
		addStatusCount(&perType, st, total)
		stats.PerType[taskType] = perType

		stats.Delayed += delayed

		if oldest.Valid {
			created := oldest.Time.UTC()
			if stats.OldestPendingAt == nil || created.Before(*stats.OldestPendingAt) {
				stats.OldestPendingAt = &created
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return stats, nil
}

// DeleteTerminalBefore removes terminal tasks that finished before cutoff.
// Tasks cancelled before ever running fall back to their creation time.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
			AND COALESCE(completed_at, created_at) < $1
	`

	result, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		log.Error("failed to delete terminal tasks", "error", err)
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}

// addStatusCount folds an aggregated row count into the per-status counters.
func addStatusCount(c *domain.StatusCounts, status domain.TaskStatus, n int) {
	switch status {
	case domain.TaskStatusPending:
		c.Pending += n
	case domain.TaskStatusProcessing:
		c.Processing += n
	case domain.TaskStatusCompleted:
		c.Completed += n
	case domain.TaskStatusFailed:
		c.Failed += n
	case domain.TaskStatusCancelled:
		c.Cancelled += n
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row in taskColumns order.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task           domain.Task
		status         string
		payload        []byte
		result         []byte
		claimedBy      sql.NullString
		lastError      sql.NullString
		claimExpiresAt sql.NullTime
		startedAt      sql.NullTime
		completedAt    sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.TaskType,
		&payload,
		&task.Priority,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&task.ScheduledAt,
		&claimedBy,
		&claimExpiresAt,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&result,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Payload = json.RawMessage(payload)
	task.Result = json.RawMessage(result)
	task.ClaimedBy = claimedBy.String
	task.LastError = lastError.String
	task.ScheduledAt = task.ScheduledAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	task.ClaimExpiresAt = timePtr(claimExpiresAt)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)

	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
