package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/store"
)

// ScheduleStore is an in-memory implementation of store.ScheduleStore.
type ScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*domain.ScheduledTask
}

// NewScheduleStore creates an empty in-memory schedule store.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		schedules: make(map[string]*domain.ScheduledTask),
	}
}

// CreateSchedule saves a new definition, rejecting duplicate names.
func (s *ScheduleStore) CreateSchedule(_ context.Context, sched *domain.ScheduledTask) error {
	if err := sched.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.Name]; exists {
		return fmt.Errorf("%w: %q", store.ErrScheduleExists, sched.Name)
	}

	s.schedules[sched.Name] = cloneSchedule(sched)
	return nil
}

// GetSchedule retrieves a definition by name.
func (s *ScheduleStore) GetSchedule(_ context.Context, name string) (*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[name]
	if !ok {
		return nil, store.ErrScheduleNotFound
	}
	return cloneSchedule(sched), nil
}

// ListSchedules returns all definitions ordered by name.
func (s *ScheduleStore) ListSchedules(_ context.Context) ([]*domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ScheduledTask, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, cloneSchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateSchedule replaces an existing definition, addressed by name.
// Disabled definitions skip validation so the scheduler can persist the
// disabling of a row whose expression no longer parses.
func (s *ScheduleStore) UpdateSchedule(_ context.Context, sched *domain.ScheduledTask) error {
	if sched.Enabled {
		if err := sched.Validate(); err != nil {
			return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[sched.Name]; !ok {
		return store.ErrScheduleNotFound
	}

	s.schedules[sched.Name] = cloneSchedule(sched)
	return nil
}

// DeleteSchedule removes a definition by name.
func (s *ScheduleStore) DeleteSchedule(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[name]; !ok {
		return false, nil
	}
	delete(s.schedules, name)
	return true, nil
}

// DueSchedules returns enabled definitions whose next run has arrived,
// ordered by next run time.
func (s *ScheduleStore) DueSchedules(_ context.Context, now time.Time) ([]*domain.ScheduledTask, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.ScheduledTask
	for _, sched := range s.schedules {
		if !sched.Enabled || sched.NextRun == nil || sched.NextRun.After(now) {
			continue
		}
		due = append(due, cloneSchedule(sched))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(*due[j].NextRun) })
	return due, nil
}

func cloneSchedule(s *domain.ScheduledTask) *domain.ScheduledTask {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Payload = cloneRaw(s.Payload)
	clone.LastRun = cloneTime(s.LastRun)
	clone.NextRun = cloneTime(s.NextRun)
	return &clone
}
