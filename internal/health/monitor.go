package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gantryd/gantry/internal/redact"
)

// Defaults applied by MonitorConfig.withDefaults.
const (
	DefaultCheckInterval    = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultCheckTimeout     = 5 * time.Second
)

// CheckFunc probes one dependency. A nil return is a pass.
type CheckFunc func(ctx context.Context) error

// CheckState is the monitor's view of one registered check. A zero
// CheckedAt means the check has not run yet.
type CheckState struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	CheckedAt           time.Time `json:"checked_at"`
}

// MonitorConfig carries the monitor's knobs. Zero values are replaced
// with defaults by NewMonitor.
type MonitorConfig struct {
	// Interval is the pause between check rounds.
	Interval time.Duration

	// FailureThreshold is how many consecutive failures mark a check
	// unhealthy. A single success recovers it.
	FailureThreshold int

	// CheckTimeout bounds each individual check call.
	CheckTimeout time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultCheckInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	return c
}

// Monitor runs named liveness checks on an interval and tracks
// consecutive failures per check.
type Monitor struct {
	cfg    MonitorConfig
	logger *slog.Logger

	mu     sync.Mutex
	checks map[string]*checkEntry

	// now is swapped out by tests.
	now func() time.Time
}

type checkEntry struct {
	fn    CheckFunc
	state CheckState
}

// NewMonitor creates a Monitor with no checks registered.
func NewMonitor(cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "health"),
		checks: make(map[string]*checkEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterCheck adds a named check, replacing any previous registration
// under the same name. New checks start healthy until proven otherwise.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checks[name] = &checkEntry{fn: fn, state: CheckState{Healthy: true}}
}

// Snapshot returns the current state of every registered check.
func (m *Monitor) Snapshot() map[string]CheckState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]CheckState, len(m.checks))
	for name, entry := range m.checks {
		out[name] = entry.state
	}
	return out
}

// Run executes every registered check once immediately and then on the
// configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.runChecks(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return nil
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

func (m *Monitor) runChecks(ctx context.Context) {
	for _, name := range m.names() {
		m.runCheck(ctx, name)
	}
}

func (m *Monitor) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) runCheck(ctx context.Context, name string) {
	m.mu.Lock()
	entry, ok := m.checks[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := entry.fn(checkCtx)
	cancel()

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &entry.state
	state.CheckedAt = now

	if err == nil {
		if !state.Healthy {
			m.logger.Info("check recovered", "check", name)
		}
		state.Healthy = true
		state.ConsecutiveFailures = 0
		state.LastError = ""
		return
	}

	state.ConsecutiveFailures++
	state.LastError = redact.Error(err)

	if state.ConsecutiveFailures == m.cfg.FailureThreshold {
		state.Healthy = false
		m.logger.Warn("check degraded",
			"check", name,
			"consecutive_failures", state.ConsecutiveFailures,
			"error", state.LastError)
	} else {
		m.logger.Debug("check failed",
			"check", name,
			"consecutive_failures", state.ConsecutiveFailures,
			"error", state.LastError)
	}
}
