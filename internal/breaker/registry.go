package breaker

import (
	"log/slog"
	"sync"
)

// Registry holds one breaker per dependency name, creating them lazily
// with a shared default config.
type Registry struct {
	defaults Config
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose lazily-built breakers use the
// given defaults.
func NewRegistry(defaults Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaults: defaults.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry
// defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.defaults, r.logger)
		r.breakers[name] = b
	}
	return b
}

// Configure returns the breaker for name with the given config applied,
// creating it if needed. An existing breaker keeps its counters.
func (r *Registry) Configure(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, cfg, r.logger)
		r.breakers[name] = b
		return b
	}
	b.setConfig(cfg)
	return b
}

// AllStats snapshots every registered breaker, keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		stats[name] = b.Stats()
	}
	return stats
}

// Reset resets the named breaker, reporting whether it exists.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
