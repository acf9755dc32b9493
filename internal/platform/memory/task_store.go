// Package memory provides in-memory store implementations for tests and
// single-process development. All operations are guarded by a mutex, which
// also gives ClaimNextTask its required atomicity.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/store"
)

// taskRecord wraps a stored task with an insertion sequence so FIFO
// tie-breaks stay deterministic even when creation timestamps collide.
type taskRecord struct {
	task *domain.Task
	seq  uint64
}

// TaskStore is an in-memory implementation of store.TaskStore.
type TaskStore struct {
	mu      sync.Mutex
	tasks   map[uuid.UUID]*taskRecord
	counter uint64
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[uuid.UUID]*taskRecord),
	}
}

// CreateTask saves a new task. The stored copy is detached from the
// caller's value so later mutations do not leak in either direction.
func (s *TaskStore) CreateTask(_ context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
	}

	s.counter++
	s.tasks[task.ID] = &taskRecord{task: cloneTask(task), seq: s.counter}
	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(rec.task), nil
}

// ClaimNextTask atomically claims the next eligible pending task, ordered by
// priority descending, then scheduled time, then creation order.
func (s *TaskStore) ClaimNextTask(
	_ context.Context,
	taskTypes []string,
	claimedBy string,
	claimDuration time.Duration,
	now time.Time,
) (*domain.Task, error) {
	now = now.UTC()
	accepted := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		accepted[t] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *taskRecord
	for _, rec := range s.tasks {
		t := rec.task
		if t.Status != domain.TaskStatusPending || t.ScheduledAt.After(now) {
			continue
		}
		if len(accepted) > 0 && !accepted[t.TaskType] {
			continue
		}
		if best == nil || claimOrderBefore(rec, best) {
			best = rec
		}
	}

	if best == nil {
		return nil, store.ErrNoEligibleTasks
	}

	t := best.task
	t.Status = domain.TaskStatusProcessing
	t.ClaimedBy = claimedBy
	expires := now.Add(claimDuration)
	t.ClaimExpiresAt = &expires
	started := now
	t.StartedAt = &started
	t.Attempts++

	return cloneTask(t), nil
}

// CompleteTask marks a processing task completed. Completing an already
// completed task is a no-op so workers can retry verdict delivery.
func (s *TaskStore) CompleteTask(
	_ context.Context,
	id uuid.UUID,
	claimedBy string,
	result json.RawMessage,
	now time.Time,
) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	t := rec.task
	if t.Status == domain.TaskStatusCompleted {
		return cloneTask(t), nil
	}
	if t.Status != domain.TaskStatusProcessing {
		return nil, store.NewStoreError(
			"task", "complete",
			fmt.Sprintf("task is %s", t.Status),
			domain.ErrInvalidStatusTransition,
		)
	}
	if t.ClaimedBy != claimedBy {
		return nil, store.ErrNotClaimOwner
	}

	completed := now.UTC()
	t.Status = domain.TaskStatusCompleted
	t.Result = cloneRaw(result)
	t.CompletedAt = &completed
	t.ClaimedBy = ""
	t.ClaimExpiresAt = nil

	return cloneTask(t), nil
}

// FailTask records a failed attempt: dead-letter when the budget is spent or
// retries are forbidden, otherwise back to pending at retryAt.
func (s *TaskStore) FailTask(
	_ context.Context,
	id uuid.UUID,
	claimedBy string,
	lastError string,
	retryAt time.Time,
	noRetry bool,
	now time.Time,
) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	t := rec.task
	if t.Status != domain.TaskStatusProcessing {
		return nil, store.NewStoreError(
			"task", "fail",
			fmt.Sprintf("task is %s", t.Status),
			domain.ErrInvalidStatusTransition,
		)
	}
	if t.ClaimedBy != claimedBy {
		return nil, store.ErrNotClaimOwner
	}

	t.LastError = lastError
	t.ClaimedBy = ""
	t.ClaimExpiresAt = nil

	if noRetry || t.RetriesExhausted() {
		completed := now.UTC()
		t.Status = domain.TaskStatusFailed
		t.CompletedAt = &completed
	} else {
		t.Status = domain.TaskStatusPending
		t.ScheduledAt = retryAt.UTC()
	}

	return cloneTask(t), nil
}

// CancelTask cancels a pending task. Claimed and terminal tasks are left
// untouched and reported as not cancelled.
func (s *TaskStore) CancelTask(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}

	t := rec.task
	if t.Status != domain.TaskStatusPending {
		return false, nil
	}

	cancelled := now.UTC()
	t.Status = domain.TaskStatusCancelled
	t.CompletedAt = &cancelled
	return true, nil
}

// ReclaimExpired sweeps processing tasks whose claim expired, treating each
// as an implicit failed attempt.
func (s *TaskStore) ReclaimExpired(
	_ context.Context,
	retryAt func(attempts int) time.Time,
	now time.Time,
) ([]*domain.Task, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []*domain.Task
	for _, rec := range s.tasks {
		t := rec.task
		if t.Status != domain.TaskStatusProcessing || t.ClaimExpiresAt == nil || !t.ClaimExpiresAt.Before(now) {
			continue
		}

		t.LastError = fmt.Sprintf("claim by %s expired at attempt %d", t.ClaimedBy, t.Attempts)
		t.ClaimedBy = ""
		t.ClaimExpiresAt = nil

		if t.RetriesExhausted() {
			completed := now
			t.Status = domain.TaskStatusFailed
			t.CompletedAt = &completed
		} else {
			t.Status = domain.TaskStatusPending
			t.ScheduledAt = retryAt(t.Attempts).UTC()
		}

		reclaimed = append(reclaimed, cloneTask(t))
	}

	return reclaimed, nil
}

// QueueStats aggregates task counts under the store lock.
func (s *TaskStore) QueueStats(_ context.Context, now time.Time) (*domain.QueueStats, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &domain.QueueStats{
		PerType:     make(map[string]domain.StatusCounts),
		CollectedAt: now,
	}

	for _, rec := range s.tasks {
		t := rec.task
		stats.Counts.Add(t.Status)

		perType := stats.PerType[t.TaskType]
		perType.Add(t.Status)
		stats.PerType[t.TaskType] = perType

		if t.Status == domain.TaskStatusPending {
			if t.ScheduledAt.After(now) {
				stats.Delayed++
			}
			if stats.OldestPendingAt == nil || t.CreatedAt.Before(*stats.OldestPendingAt) {
				created := t.CreatedAt
				stats.OldestPendingAt = &created
			}
		}
	}

	return stats, nil
}

// DeleteTerminalBefore removes terminal tasks older than cutoff.
func (s *TaskStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, rec := range s.tasks {
		t := rec.task
		if !t.IsTerminal() {
			continue
		}
		at := t.CreatedAt
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		if at.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}

	return deleted, nil
}

// claimOrderBefore reports whether a should be claimed before b.
func claimOrderBefore(a, b *taskRecord) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.ScheduledAt.Equal(b.task.ScheduledAt) {
		return a.task.ScheduledAt.Before(b.task.ScheduledAt)
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func cloneTask(t *domain.Task) *domain.Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Payload = cloneRaw(t.Payload)
	clone.Result = cloneRaw(t.Result)
	clone.ClaimExpiresAt = cloneTime(t.ClaimExpiresAt)
	clone.StartedAt = cloneTime(t.StartedAt)
	clone.CompletedAt = cloneTime(t.CompletedAt)
	return &clone
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
