// Package queue layers enqueue, dequeue, and retry policy on top of a
// store.TaskStore. The store guarantees atomicity of individual state
// transitions; this package decides when those transitions happen:
// backoff timing, rate-limit hints, claim durations, and bounded waits.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/redact"
	"github.com/gantryd/gantry/internal/store"
)

// ErrNoTask indicates that a dequeue wait elapsed without any eligible
// task becoming available.
var ErrNoTask = errors.New("no task available")

// Config carries the queue's policy knobs. Zero values are replaced
// with conservative defaults by New.
type Config struct {
	// DefaultMaxRetries is the attempt budget for tasks enqueued
	// without an explicit override.
	DefaultMaxRetries int

	// ClaimDuration is how long a claim stays valid before the task
	// is considered abandoned and eligible for reclaim.
	ClaimDuration time.Duration

	// PollInterval is the sleep between claim attempts while a
	// dequeue waits for work.
	PollInterval time.Duration

	// WaitTimeout bounds how long a dequeue blocks before returning
	// ErrNoTask.
	WaitTimeout time.Duration

	// BackoffBase, BackoffMax, and JitterFraction shape the retry
	// delay curve. See Backoff.
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = domain.DefaultMaxRetries
	}
	if c.ClaimDuration <= 0 {
		c.ClaimDuration = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	return c
}

// Queue is the task queue service.
type Queue struct {
	store   store.TaskStore
	cfg     Config
	backoff Backoff
	logger  *slog.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a Queue backed by the given store.
func New(taskStore store.TaskStore, cfg Config, logger *slog.Logger) (*Queue, error) {
	if taskStore == nil {
		return nil, errors.New("task store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &Queue{
		store: taskStore,
		cfg:   cfg,
		backoff: Backoff{
			Base:           cfg.BackoffBase,
			Max:            cfg.BackoffMax,
			JitterFraction: cfg.JitterFraction,
		},
		logger: logger.With("component", "queue"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority   int
	maxRetries int
	scheduleAt func(now time.Time) time.Time
}

// WithPriority sets the task priority (1 lowest to 10 highest).
func WithPriority(priority int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = priority }
}

// WithMaxRetries overrides the task's total attempt budget.
func WithMaxRetries(maxRetries int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = maxRetries }
}

// WithDelay makes the task eligible only after d has passed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduleAt = func(now time.Time) time.Time { return now.Add(d) }
	}
}

// WithScheduledAt makes the task eligible at the given time. A time in
// the past means the task is immediately eligible.
func WithScheduledAt(at time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.scheduleAt = func(time.Time) time.Time { return at }
	}
}

// Enqueue validates and persists a new task, returning it in pending
// state. Validation failures wrap domain.ErrValidation.
func (q *Queue) Enqueue(
	ctx context.Context,
	taskType string,
	payload json.RawMessage,
	opts ...EnqueueOption,
) (*domain.Task, error) {
	options := enqueueOptions{
		priority:   domain.DefaultTaskPriority,
		maxRetries: q.cfg.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&options)
	}

	domainOpts := []domain.TaskOption{
		domain.WithPriority(options.priority),
		domain.WithMaxRetries(options.maxRetries),
	}
	if options.scheduleAt != nil {
		domainOpts = append(domainOpts, domain.WithScheduledAt(options.scheduleAt(q.now())))
	}

	task, err := domain.NewTask(taskType, payload, domainOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build task: %w", err)
	}

	if err := q.store.CreateTask(ctx, task); err != nil {
		q.logger.Error("failed to persist task",
			"error", err,
			"task_type", taskType)
		return nil, err
	}

	q.logger.Info("task enqueued",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"priority", task.Priority,
		"scheduled_at", task.ScheduledAt)
	return task, nil
}

// Dequeue claims the next eligible task for claimedBy, polling until
// one appears or the configured wait elapses. An empty taskTypes slice
// accepts any type. Returns ErrNoTask when the wait times out and the
// context error when ctx is cancelled between polls.
func (q *Queue) Dequeue(ctx context.Context, taskTypes []string, claimedBy string) (*domain.Task, error) {
	start := q.now()
	for {
		task, err := q.store.ClaimNextTask(ctx, taskTypes, claimedBy, q.cfg.ClaimDuration, q.now())
		if err == nil {
			q.logger.Debug("task claimed",
				"task_id", task.ID,
				"task_type", task.TaskType,
				"claimed_by", claimedBy,
				"attempt", task.Attempts)
			return task, nil
		}
		if !errors.Is(err, store.ErrNoEligibleTasks) {
			return nil, err
		}

		remaining := q.cfg.WaitTimeout - q.now().Sub(start)
		if remaining < q.cfg.PollInterval {
			return nil, ErrNoTask
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// Complete marks a claimed task as successfully finished. Only the
// claim owner may complete; repeating a completion is a no-op.
func (q *Queue) Complete(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	result json.RawMessage,
) (*domain.Task, error) {
	task, err := q.store.CompleteTask(ctx, id, claimedBy, result, q.now())
	if err != nil {
		return nil, err
	}

	q.logger.Info("task completed",
		"task_id", task.ID,
		"task_type", task.TaskType,
		"attempts", task.Attempts)
	return task, nil
}

// FailOption customizes failure handling.
type FailOption func(*failOptions)

type failOptions struct {
	noRetry  bool
	minDelay time.Duration
}

// WithNoRetry dead-letters the task immediately regardless of its
// remaining attempt budget. Used for permanent failures where retrying
// cannot succeed.
func WithNoRetry() FailOption {
	return func(o *failOptions) { o.noRetry = true }
}

// WithMinDelay sets a lower bound on the retry delay, typically from a
// rate-limit Retry-After hint. The effective delay is the larger of the
// backoff and the hint.
func WithMinDelay(d time.Duration) FailOption {
	return func(o *failOptions) { o.minDelay = d }
}

// Fail records a failed attempt. The task returns to pending with a
// backoff delay while budget remains; an exhausted budget or WithNoRetry
// dead-letters it. The cause is redacted before it is persisted.
func (q *Queue) Fail(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	cause error,
	opts ...FailOption,
) (*domain.Task, error) {
	options := failOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	// Attempts is stable here: only the claim owner calls Fail while
	// the task is processing.
	current, err := q.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.now()
	delay := q.backoff.Delay(current.Attempts)
	if options.minDelay > delay {
		delay = options.minDelay
	}

	lastError := "unknown error"
	if cause != nil {
		lastError = redact.Error(cause)
	}

	task, err := q.store.FailTask(ctx, id, claimedBy, lastError, now.Add(delay), options.noRetry, now)
	if err != nil {
		return nil, err
	}

	if task.Status == domain.TaskStatusFailed {
		q.logger.Warn("task failed permanently",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"attempts", task.Attempts,
			"last_error", task.LastError)
	} else {
		q.logger.Info("task retry scheduled",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"attempt", task.Attempts,
			"retry_at", task.ScheduledAt,
			"last_error", task.LastError)
	}
	return task, nil
}

// Cancel cancels a pending task. It reports false when the task exists
// but is processing or already terminal.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	cancelled, err := q.store.CancelTask(ctx, id, q.now())
	if err != nil {
		return false, err
	}
	if cancelled {
		q.logger.Info("task cancelled", "task_id", id)
	}
	return cancelled, nil
}

// Get retrieves a task by ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return q.store.GetTask(ctx, id)
}

// Stats reports current queue depth and composition.
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return q.store.QueueStats(ctx, q.now())
}

// ReclaimExpired sweeps tasks whose claims lapsed, treating each as a
// failed attempt: rescheduled with backoff while budget remains,
// dead-lettered otherwise. Returns the affected tasks.
func (q *Queue) ReclaimExpired(ctx context.Context) ([]*domain.Task, error) {
	now := q.now()
	tasks, err := q.store.ReclaimExpired(ctx, func(attempts int) time.Time {
		return now.Add(q.backoff.Delay(attempts))
	}, now)
	if err != nil {
		return nil, err
	}

	if len(tasks) > 0 {
		q.logger.Warn("reclaimed expired claims", "count", len(tasks))
		for _, task := range tasks {
			q.logger.Debug("claim expired",
				"task_id", task.ID,
				"task_type", task.TaskType,
				"status", task.Status,
				"attempts", task.Attempts)
		}
	}
	return tasks, nil
}

// CleanupOlderThan deletes terminal tasks older than age and returns
// how many were removed.
func (q *Queue) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := q.now().Add(-age)
	deleted, err := q.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		q.logger.Info("cleaned up old tasks", "deleted", deleted, "cutoff", cutoff)
	}
	return deleted, nil
}

// Backoff exposes the retry delay policy for the given attempt count.
func (q *Queue) Backoff(attempts int) time.Duration {
	return q.backoff.Delay(attempts)
}
