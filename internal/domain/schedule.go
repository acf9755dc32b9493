package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule-specific validation errors
var (
	// ErrEmptyScheduleName is returned when a scheduled task has no name.
	ErrEmptyScheduleName = fmt.Errorf("%w: schedule name cannot be empty", ErrValidation)

	// ErrInvalidCronExpression is returned when a cron expression cannot be
	// parsed as a standard 5-field expression.
	ErrInvalidCronExpression = fmt.Errorf("%w: invalid cron expression", ErrValidation)
)

// ScheduledTask is a named definition that creates queue tasks on a cron
// cadence. Name is the unique key operators address definitions by. The
// payload is cloned into every task the definition fires. NextRun is nil
// while the definition is disabled.
type ScheduledTask struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expression"`
	TaskType   string          `json:"task_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Enabled    bool            `json:"enabled"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	NextRun    *time.Time      `json:"next_run,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ScheduleOption customizes a definition created by NewScheduledTask.
type ScheduleOption func(*ScheduledTask)

// WithSchedulePriority sets the priority of tasks the definition creates.
func WithSchedulePriority(priority int) ScheduleOption {
	return func(s *ScheduledTask) {
		s.Priority = priority
	}
}

// WithScheduleMaxRetries sets the attempt budget of tasks the definition creates.
func WithScheduleMaxRetries(maxRetries int) ScheduleOption {
	return func(s *ScheduledTask) {
		s.MaxRetries = maxRetries
	}
}

// WithScheduleDisabled creates the definition in the disabled state.
func WithScheduleDisabled() ScheduleOption {
	return func(s *ScheduledTask) {
		s.Enabled = false
	}
}

// NewScheduledTask creates an enabled definition with the given name, cron
// expression, and task type. The expression is parsed eagerly so a bad
// definition is rejected at creation rather than at fire time. NextRun is
// computed from the current time for enabled definitions.
func NewScheduledTask(
	name, cronExpr, taskType string,
	payload json.RawMessage,
	opts ...ScheduleOption,
) (*ScheduledTask, error) {
	now := time.Now().UTC()
	sched := &ScheduledTask{
		ID:         uuid.New(),
		Name:       name,
		CronExpr:   cronExpr,
		TaskType:   taskType,
		Payload:    payload,
		Priority:   DefaultTaskPriority,
		MaxRetries: DefaultMaxRetries,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	for _, opt := range opts {
		opt(sched)
	}

	if err := sched.Validate(); err != nil {
		return nil, err
	}

	if sched.Enabled {
		next, err := sched.NextAfter(now)
		if err != nil {
			return nil, err
		}
		sched.NextRun = &next
	}

	return sched, nil
}

// Validate checks if the ScheduledTask has valid data, including that the
// cron expression parses. Returns an error wrapping ErrValidation on failure.
func (s *ScheduledTask) Validate() error {
	if s.Name == "" {
		return ErrEmptyScheduleName
	}

	if s.TaskType == "" {
		return ErrEmptyTaskType
	}

	if s.Priority < MinTaskPriority || s.Priority > MaxTaskPriority {
		return ErrInvalidTaskPriority
	}

	if s.MaxRetries < 0 {
		return ErrNegativeMaxRetries
	}

	if _, err := cron.ParseStandard(s.CronExpr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, s.CronExpr, err)
	}

	return nil
}

// NextAfter returns the first fire time strictly after the given instant.
func (s *ScheduledTask) NextAfter(now time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(s.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidCronExpression, s.CronExpr, err)
	}
	return schedule.Next(now.UTC()), nil
}

// MarkFired records a fire at the given instant and advances NextRun from
// that instant, not from the stale NextRun, so a definition that missed
// ticks fires once rather than once per missed interval.
func (s *ScheduledTask) MarkFired(now time.Time) error {
	next, err := s.NextAfter(now)
	if err != nil {
		return err
	}

	fired := now.UTC()
	s.LastRun = &fired
	s.NextRun = &next
	s.UpdatedAt = fired
	return nil
}

// Enable turns the definition on and computes NextRun from now.
func (s *ScheduledTask) Enable(now time.Time) error {
	next, err := s.NextAfter(now)
	if err != nil {
		return err
	}

	s.Enabled = true
	s.NextRun = &next
	s.UpdatedAt = now.UTC()
	return nil
}

// Disable turns the definition off and clears NextRun so the scheduler
// never considers it due.
func (s *ScheduledTask) Disable(now time.Time) {
	s.Enabled = false
	s.NextRun = nil
	s.UpdatedAt = now.UTC()
}
