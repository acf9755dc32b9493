// Package scheduler fires queue tasks from named cron definitions. A
// single tick loop evaluates due definitions on a fixed interval; a
// definition that missed ticks (scheduler outage, slow tick) fires once
// and then advances, never once per missed interval.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gantryd/gantry/internal/config"
	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/queue"
	"github.com/gantryd/gantry/internal/store"
)

// DefaultTickInterval is coarser than the one-minute cron granularity
// by design: catch-up is not required, so a late fire is acceptable.
const DefaultTickInterval = 30 * time.Second

// Config tunes the scheduler loop.
type Config struct {
	TickInterval time.Duration
}

// Scheduler owns the cron definitions and the tick loop that fires them.
type Scheduler struct {
	schedules store.ScheduleStore
	queue     *queue.Queue
	cfg       Config
	logger    *slog.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a Scheduler. Both the definition store and the queue are
// required.
func New(schedules store.ScheduleStore, q *queue.Queue, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if schedules == nil {
		return nil, errors.New("schedule store is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}

	return &Scheduler{
		schedules: schedules,
		queue:     q,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run evaluates due definitions every tick until ctx is cancelled.
// Always returns nil: per-definition problems are logged and skipped,
// never fatal to the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick_interval", s.cfg.TickInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled definition whose next run time has arrived.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	due, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		return
	}

	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues one task for the definition and advances its next run
// from now. A definition whose stored expression no longer parses is
// disabled and reported rather than crashing the tick.
func (s *Scheduler) fire(ctx context.Context, sched *domain.ScheduledTask, now time.Time) {
	if _, err := sched.NextAfter(now); err != nil {
		s.logger.Error("disabling schedule with invalid cron expression",
			"schedule", sched.Name,
			"cron", sched.CronExpr,
			"error", err)
		sched.Disable(now)
		if updErr := s.schedules.UpdateSchedule(ctx, sched); updErr != nil {
			s.logger.Error("failed to persist schedule disable",
				"schedule", sched.Name,
				"error", updErr)
		}
		return
	}

	payload := make(json.RawMessage, len(sched.Payload))
	copy(payload, sched.Payload)
	if len(payload) == 0 {
		payload = nil
	}

	task, err := s.queue.Enqueue(ctx, sched.TaskType, payload,
		queue.WithPriority(sched.Priority),
		queue.WithMaxRetries(sched.MaxRetries))
	if err != nil {
		// next_run stays put so the next tick retries the fire
		s.logger.Error("failed to enqueue scheduled task",
			"schedule", sched.Name,
			"task_type", sched.TaskType,
			"error", err)
		return
	}

	if err := sched.MarkFired(now); err != nil {
		s.logger.Error("failed to advance schedule", "schedule", sched.Name, "error", err)
		return
	}
	if err := s.schedules.UpdateSchedule(ctx, sched); err != nil {
		// The enqueue is not rolled back; the next tick may refire.
		// Duplicate fires are preferable to silently lost ones.
		s.logger.Error("failed to persist schedule fire",
			"schedule", sched.Name,
			"error", err)
		return
	}

	s.logger.Info("scheduled task fired",
		"schedule", sched.Name,
		"task_id", task.ID,
		"task_type", task.TaskType,
		"next_run", sched.NextRun)
}

// Create validates and persists a new definition.
func (s *Scheduler) Create(ctx context.Context, sched *domain.ScheduledTask) error {
	if sched == nil {
		return fmt.Errorf("%w: schedule cannot be nil", domain.ErrValidation)
	}
	if err := sched.Validate(); err != nil {
		return err
	}

	if err := s.schedules.CreateSchedule(ctx, sched); err != nil {
		return err
	}

	s.logger.Info("schedule created",
		"schedule", sched.Name,
		"cron", sched.CronExpr,
		"task_type", sched.TaskType,
		"enabled", sched.Enabled)
	return nil
}

// Get retrieves a definition by name.
func (s *Scheduler) Get(ctx context.Context, name string) (*domain.ScheduledTask, error) {
	return s.schedules.GetSchedule(ctx, name)
}

// List returns all definitions with their computed run times.
func (s *Scheduler) List(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.schedules.ListSchedules(ctx)
}

// Delete removes a definition, reporting whether it existed.
func (s *Scheduler) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.schedules.DeleteSchedule(ctx, name)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("schedule deleted", "schedule", name)
	}
	return deleted, nil
}

// ScheduleUpdate is a partial update; nil fields are left unchanged.
type ScheduleUpdate struct {
	CronExpr   *string
	TaskType   *string
	Payload    *json.RawMessage
	Priority   *int
	MaxRetries *int
	Enabled    *bool
}

// Update applies upd to the named definition. Changing the expression
// revalidates it and recomputes the next run; enabling computes the
// next run from now; disabling clears it.
func (s *Scheduler) Update(ctx context.Context, name string, upd ScheduleUpdate) (*domain.ScheduledTask, error) {
	sched, err := s.schedules.GetSchedule(ctx, name)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if upd.CronExpr != nil {
		sched.CronExpr = *upd.CronExpr
	}
	if upd.TaskType != nil {
		sched.TaskType = *upd.TaskType
	}
	if upd.Payload != nil {
		sched.Payload = *upd.Payload
	}
	if upd.Priority != nil {
		sched.Priority = *upd.Priority
	}
	if upd.MaxRetries != nil {
		sched.MaxRetries = *upd.MaxRetries
	}

	if err := sched.Validate(); err != nil {
		return nil, err
	}

	switch {
	case upd.Enabled != nil && !*upd.Enabled:
		sched.Disable(now)
	case upd.Enabled != nil && *upd.Enabled:
		if err := sched.Enable(now); err != nil {
			return nil, err
		}
	case sched.Enabled && upd.CronExpr != nil:
		// Same enabled state, new expression: recompute the next run
		if err := sched.Enable(now); err != nil {
			return nil, err
		}
	default:
		sched.UpdatedAt = now
	}

	if err := s.schedules.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	s.logger.Info("schedule updated",
		"schedule", sched.Name,
		"cron", sched.CronExpr,
		"enabled", sched.Enabled,
		"next_run", sched.NextRun)
	return sched, nil
}

// Seed creates definitions from configuration that are not yet in the
// store. Existing rows are left untouched: operator edits win over
// config defaults across restarts.
func (s *Scheduler) Seed(ctx context.Context, defs []config.ScheduleConfig) error {
	for _, def := range defs {
		_, err := s.schedules.GetSchedule(ctx, def.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrScheduleNotFound) {
			return fmt.Errorf("failed to check schedule %q: %w", def.Name, err)
		}

		var payload json.RawMessage
		if len(def.Payload) > 0 {
			payload, err = json.Marshal(def.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode payload for schedule %q: %w", def.Name, err)
			}
		}

		var opts []domain.ScheduleOption
		if def.Priority > 0 {
			opts = append(opts, domain.WithSchedulePriority(def.Priority))
		}
		if def.MaxRetries > 0 {
			opts = append(opts, domain.WithScheduleMaxRetries(def.MaxRetries))
		}
		if def.Disabled {
			opts = append(opts, domain.WithScheduleDisabled())
		}

		sched, err := domain.NewScheduledTask(def.Name, def.Cron, def.TaskType, payload, opts...)
		if err != nil {
			return fmt.Errorf("invalid schedule %q in config: %w", def.Name, err)
		}

		if err := s.schedules.CreateSchedule(ctx, sched); err != nil {
			if errors.Is(err, store.ErrScheduleExists) {
				continue
			}
			return fmt.Errorf("failed to seed schedule %q: %w", def.Name, err)
		}

		s.logger.Info("schedule seeded from config",
			"schedule", def.Name,
			"cron", def.Cron,
			"task_type", def.TaskType)
	}
	return nil
}
