package store

import (
	"context"
	"time"

	"github.com/gantryd/gantry/internal/domain"
)

// ScheduleStore defines the interface for scheduled task definition
// persistence. Definitions are addressed by their unique name.
type ScheduleStore interface {
	// CreateSchedule saves a new definition.
	// Returns ErrScheduleExists if the name is already taken.
	CreateSchedule(ctx context.Context, sched *domain.ScheduledTask) error

	// GetSchedule retrieves a definition by name.
	// Returns ErrScheduleNotFound if it does not exist.
	GetSchedule(ctx context.Context, name string) (*domain.ScheduledTask, error)

	// ListSchedules returns all definitions ordered by name.
	ListSchedules(ctx context.Context) ([]*domain.ScheduledTask, error)

	// UpdateSchedule saves changes to an existing definition, addressed by
	// its name. Returns ErrScheduleNotFound if it does not exist.
	UpdateSchedule(ctx context.Context, sched *domain.ScheduledTask) error

	// DeleteSchedule removes a definition by name. Returns true when a
	// definition was deleted, false when none existed.
	DeleteSchedule(ctx context.Context, name string) (bool, error)

	// DueSchedules returns enabled definitions whose next run time has
	// arrived, ordered by next run time.
	DueSchedules(ctx context.Context, now time.Time) ([]*domain.ScheduledTask, error)
}
