package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gantryd/gantry/internal/domain"
)

// TaskStore defines the interface for task persistence. Implementations
// must make ClaimNextTask atomic: under concurrent callers a task is
// handed to exactly one of them.
type TaskStore interface {
	// CreateTask saves a new task to the store.
	// Returns validation errors from the domain Task if data is invalid.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ClaimNextTask atomically claims the next eligible pending task:
	// highest priority first, then earliest scheduled time, then earliest
	// creation time. A claimed task becomes processing, records claimedBy,
	// consumes one attempt, and holds the claim until now+claimDuration.
	// An empty taskTypes slice matches every type.
	// Returns ErrNoEligibleTasks when nothing is due.
	ClaimNextTask(
		ctx context.Context,
		taskTypes []string,
		claimedBy string,
		claimDuration time.Duration,
		now time.Time,
	) (*domain.Task, error)

	// CompleteTask marks a processing task completed with the given result.
	// Only the claim owner may complete. Completing an already completed
	// task is a no-op returning the stored task, so workers may safely
	// retry delivery of a verdict.
	// Returns ErrTaskNotFound or ErrNotClaimOwner as appropriate.
	CompleteTask(
		ctx context.Context,
		id uuid.UUID,
		claimedBy string,
		result json.RawMessage,
		now time.Time,
	) (*domain.Task, error)

	// FailTask records a failed attempt by the claim owner. When noRetry is
	// set or the attempt budget is exhausted the task is dead-lettered as
	// failed; otherwise it returns to pending, eligible again at retryAt.
	// Returns the updated task.
	FailTask(
		ctx context.Context,
		id uuid.UUID,
		claimedBy string,
		lastError string,
		retryAt time.Time,
		noRetry bool,
		now time.Time,
	) (*domain.Task, error)

	// CancelTask cancels a pending task. Returns true when the task was
	// cancelled, false when it was already claimed or terminal. Returns
	// ErrTaskNotFound for unknown IDs.
	CancelTask(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// ReclaimExpired sweeps processing tasks whose claim expired before now.
	// Each one is treated as an implicit failed attempt: the attempt the
	// claim consumed stays consumed, so an exhausted task dead-letters and
	// the rest return to pending, eligible at retryAt(attempts).
	// Returns the affected tasks.
	ReclaimExpired(
		ctx context.Context,
		retryAt func(attempts int) time.Time,
		now time.Time,
	) ([]*domain.Task, error)

	// QueueStats aggregates task counts by status and by type, the number
	// of pending tasks whose scheduled time has not arrived, and the age
	// of the oldest pending task.
	QueueStats(ctx context.Context, now time.Time) (*domain.QueueStats, error)

	// DeleteTerminalBefore removes completed, failed, and cancelled tasks
	// that reached their terminal status before cutoff. Returns the number
	// of tasks removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
