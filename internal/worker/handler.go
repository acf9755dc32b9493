// Package worker runs the pool of goroutines that claim tasks from the
// queue and dispatch them to registered handlers. Handlers that talk to
// a named external dependency are wrapped in that dependency's circuit
// breaker, and every failure passes through the recovery manager before
// the queue applies its retry policy.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gantryd/gantry/internal/domain"
)

// ErrHandlerExists is returned by Register when the task type already
// has a handler.
var ErrHandlerExists = errors.New("handler already registered")

// Handler executes tasks of a single type. Dependency names the
// external collaborator the handler talks to so the pool can guard the
// call with that dependency's circuit breaker; an empty name means the
// handler runs unguarded.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error)
	Dependency() string
}

// HandlerFunc adapts a plain function into a Handler with no external
// dependency.
type HandlerFunc func(ctx context.Context, task *domain.Task) (json.RawMessage, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Dependency implements Handler. A bare function is not breaker-guarded.
func (f HandlerFunc) Dependency() string { return "" }

// WithDependency associates h with a named external dependency, so that
// calls made through the pool run inside that dependency's breaker.
func WithDependency(h Handler, name string) Handler {
	return dependencyHandler{Handler: h, name: name}
}

type dependencyHandler struct {
	Handler
	name string
}

func (h dependencyHandler) Dependency() string { return h.name }

// Registry maps task types to their handlers. Registration happens at
// startup; lookups are safe for concurrent use by worker loops.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Binding a type twice is an
// error so a misconfigured process fails at startup, not at dispatch.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return errors.New("task type cannot be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for task type %q cannot be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w for task type %q", ErrHandlerExists, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Get returns the handler bound to a task type.
func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}
