package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a queued task.
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Priority and retry bounds for tasks.
const (
	MinTaskPriority     = 1
	MaxTaskPriority     = 10
	DefaultTaskPriority = 5

	DefaultMaxRetries = 3
)

// Task-specific validation errors
var (
	// ErrEmptyTaskType is returned when a task has no type.
	ErrEmptyTaskType = fmt.Errorf("%w: task type cannot be empty", ErrValidation)

	// ErrInvalidTaskPriority is returned when a priority falls outside [1, 10].
	ErrInvalidTaskPriority = fmt.Errorf(
		"%w: task priority must be between %d and %d",
		ErrValidation, MinTaskPriority, MaxTaskPriority,
	)

	// ErrNegativeMaxRetries is returned when max retries is below zero.
	ErrNegativeMaxRetries = fmt.Errorf("%w: max retries cannot be negative", ErrValidation)

	// ErrInvalidTaskStatus is returned when a status is not a known TaskStatus.
	ErrInvalidTaskStatus = fmt.Errorf("%w: invalid task status", ErrValidation)

	// ErrInvalidStatusTransition is returned when a status change is not a
	// legal lifecycle transition.
	ErrInvalidStatusTransition = fmt.Errorf("%w: invalid task status transition", ErrValidation)
)

// Task represents a unit of work queued for asynchronous execution.
// The payload is stored as an opaque JSON document so callers can queue
// arbitrary work without the queue knowing its shape. Attempts counts every
// execution consumed, including claims that expired without a verdict.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       int             `json:"priority"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxRetries     int             `json:"max_retries"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time      `json:"claim_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// TaskOption customizes a task created by NewTask.
type TaskOption func(*Task)

// WithPriority sets the task priority (1 lowest, 10 highest).
func WithPriority(priority int) TaskOption {
	return func(t *Task) {
		t.Priority = priority
	}
}

// WithMaxRetries sets the total number of execution attempts the task may
// consume before it is dead-lettered.
func WithMaxRetries(maxRetries int) TaskOption {
	return func(t *Task) {
		t.MaxRetries = maxRetries
	}
}

// WithScheduledAt sets the earliest time the task becomes eligible to run.
// Times in the past make the task immediately eligible.
func WithScheduledAt(at time.Time) TaskOption {
	return func(t *Task) {
		t.ScheduledAt = at.UTC()
	}
}

// NewTask creates a pending Task of the given type with the given payload.
// It generates a new UUID, applies defaults (priority 5, max retries 3,
// eligible immediately), applies the options, and validates the result.
func NewTask(taskType string, payload json.RawMessage, opts ...TaskOption) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New(),
		TaskType:    taskType,
		Payload:     payload,
		Priority:    DefaultTaskPriority,
		Status:      TaskStatusPending,
		MaxRetries:  DefaultMaxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
	}

	for _, opt := range opts {
		opt(task)
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error wrapping ErrValidation if any field fails validation.
func (t *Task) Validate() error {
	if t.TaskType == "" {
		return ErrEmptyTaskType
	}

	if t.Priority < MinTaskPriority || t.Priority > MaxTaskPriority {
		return ErrInvalidTaskPriority
	}

	if t.MaxRetries < 0 {
		return ErrNegativeMaxRetries
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	return nil
}

// UpdateStatus moves the task to the given status, enforcing legal lifecycle
// transitions: pending may become processing or cancelled, processing may
// become completed, failed, or pending (a retry), and terminal statuses are
// immutable. Returns ErrInvalidStatusTransition for anything else.
func (t *Task) UpdateStatus(status TaskStatus) error {
	if !isValidTaskStatus(status) {
		return ErrInvalidTaskStatus
	}

	if !isValidTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, t.Status, status)
	}

	t.Status = status
	return nil
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// RetriesExhausted reports whether the task has consumed all allowed
// attempts. MaxRetries is the total attempt budget, so a task with
// MaxRetries 3 runs at most three times.
func (t *Task) RetriesExhausted() bool {
	return t.Attempts >= t.MaxRetries
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// isValidTransition checks the task lifecycle state machine.
func isValidTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusProcessing || to == TaskStatusCancelled
	case TaskStatusProcessing:
		return to == TaskStatusCompleted || to == TaskStatusFailed || to == TaskStatusPending
	default:
		return false
	}
}
