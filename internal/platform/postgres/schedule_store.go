package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/platform/logger"
	"github.com/gantryd/gantry/internal/store"
)

// scheduleColumns is the column list every schedule query selects, in the
// order scanSchedule expects.
const scheduleColumns = `id, name, cron_expression, task_type, payload, priority,
	max_retries, enabled, last_run, next_run, created_at, updated_at`

// ScheduleStore implements store.ScheduleStore on PostgreSQL. Definitions
// are addressed by name, which carries a unique index.
type ScheduleStore struct {
	db store.DBTX
}

// NewScheduleStore creates a ScheduleStore backed by the given database handle.
func NewScheduleStore(db store.DBTX) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// CreateSchedule inserts a new definition, rejecting duplicate names.
func (s *ScheduleStore) CreateSchedule(ctx context.Context, sched *domain.ScheduledTask) error {
	log := logger.FromContext(ctx)

	if err := sched.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO scheduled_tasks (
			id, name, cron_expression, task_type, payload, priority,
			max_retries, enabled, last_run, next_run, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		sched.ID,
		sched.Name,
		sched.CronExpr,
		sched.TaskType,
		[]byte(sched.Payload),
		sched.Priority,
		sched.MaxRetries,
		sched.Enabled,
		nullTimePtr(sched.LastRun),
		nullTimePtr(sched.NextRun),
		sched.CreatedAt.UTC(),
		sched.UpdatedAt.UTC(),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %q", store.ErrScheduleExists, sched.Name)
		}
		log.Error("failed to insert scheduled task",
			"schedule_name", sched.Name,
			"error", err)
		return fmt.Errorf("failed to insert scheduled task: %w", MapError(err))
	}

	return nil
}

// GetSchedule retrieves a definition by name.
func (s *ScheduleStore) GetSchedule(ctx context.Context, name string) (*domain.ScheduledTask, error) {
	log := logger.FromContext(ctx)

	query := `SELECT ` + scheduleColumns + ` FROM scheduled_tasks WHERE name = $1`

	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrScheduleNotFound
		}
		log.Error("failed to get scheduled task", "schedule_name", name, "error", err)
		return nil, fmt.Errorf("failed to get scheduled task: %w", err)
	}

	return sched, nil
}

// ListSchedules returns all definitions ordered by name.
func (s *ScheduleStore) ListSchedules(ctx context.Context) ([]*domain.ScheduledTask, error) {
	log := logger.FromContext(ctx)

	query := `SELECT ` + scheduleColumns + ` FROM scheduled_tasks ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		log.Error("failed to list scheduled tasks", "error", err)
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// UpdateSchedule replaces an existing definition, addressed by name.
// Disabled definitions skip validation so the scheduler can persist the
// disabling of a row whose expression no longer parses.
func (s *ScheduleStore) UpdateSchedule(ctx context.Context, sched *domain.ScheduledTask) error {
	log := logger.FromContext(ctx)

	if sched.Enabled {
		if err := sched.Validate(); err != nil {
			return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}
	}

	query := `
		UPDATE scheduled_tasks
		SET cron_expression = $2,
			task_type = $3,
			payload = $4,
			priority = $5,
			max_retries = $6,
			enabled = $7,
			last_run = $8,
			next_run = $9,
			updated_at = $10
		WHERE name = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		sched.Name,
		sched.CronExpr,
		sched.TaskType,
		[]byte(sched.Payload),
		sched.Priority,
		sched.MaxRetries,
		sched.Enabled,
		nullTimePtr(sched.LastRun),
		nullTimePtr(sched.NextRun),
		sched.UpdatedAt.UTC(),
	)
	if err != nil {
		log.Error("failed to update scheduled task",
			"schedule_name", sched.Name,
			"error", err)
		return fmt.Errorf("failed to update scheduled task: %w", MapError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrScheduleNotFound
	}

	return nil
}

// DeleteSchedule removes a definition by name.
func (s *ScheduleStore) DeleteSchedule(ctx context.Context, name string) (bool, error) {
	log := logger.FromContext(ctx)

	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE name = $1`, name)
	if err != nil {
		log.Error("failed to delete scheduled task", "schedule_name", name, "error", err)
		return false, fmt.Errorf("failed to delete scheduled task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// DueSchedules returns enabled definitions whose next run has arrived,
// ordered by next run time.
func (s *ScheduleStore) DueSchedules(ctx context.Context, now time.Time) ([]*domain.ScheduledTask, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT ` + scheduleColumns + `
		FROM scheduled_tasks
		WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run ASC
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC())
	if err != nil {
		log.Error("failed to query due scheduled tasks", "error", err)
		return nil, fmt.Errorf("failed to query due scheduled tasks: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]*domain.ScheduledTask, error) {
	var schedules []*domain.ScheduledTask
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scheduled tasks: %w", err)
	}
	return schedules, nil
}

// scanSchedule reads one definition row in scheduleColumns order.
func scanSchedule(row rowScanner) (*domain.ScheduledTask, error) {
	var (
		sched   domain.ScheduledTask
		payload []byte
		lastRun sql.NullTime
		nextRun sql.NullTime
	)

	err := row.Scan(
		&sched.ID,
		&sched.Name,
		&sched.CronExpr,
		&sched.TaskType,
		&payload,
		&sched.Priority,
		&sched.MaxRetries,
		&sched.Enabled,
		&lastRun,
		&nextRun,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Payload = json.RawMessage(payload)
	sched.LastRun = timePtr(lastRun)
	sched.NextRun = timePtr(nextRun)
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()

	return &sched, nil
}
