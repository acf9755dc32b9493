// Package breaker implements a three-state circuit breaker for calls to
// external dependencies. A breaker starts closed and passes calls
// through; enough consecutive failures open it, after which calls are
// rejected without touching the dependency until a recovery timeout
// elapses and a single half-open trial decides whether to close again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State identifies the breaker's position in its lifecycle.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned (wrapped) when a call is rejected because the
// breaker is open or a half-open trial is already in flight.
var ErrOpen = errors.New("circuit breaker open")

// Default thresholds applied when Config fields are left zero.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Config tunes a breaker. FailureThreshold is the consecutive-failure
// count that opens the circuit; RecoveryTimeout is how long it stays
// open before admitting a trial; CallTimeout bounds each wrapped call
// and zero means calls run unbounded.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	CallTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	TotalRequests        int64      `json:"total_requests"`
	SuccessfulRequests   int64      `json:"successful_requests"`
	FailedRequests       int64      `json:"failed_requests"`
	RejectedRequests     int64      `json:"rejected_requests"`
	SuccessRate          float64    `json:"success_rate"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	StateChanges         int64      `json:"state_changes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
}

// Breaker guards calls to one named dependency. All methods are safe
// for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	successfulRequests   int64
	failedRequests       int64
	rejectedRequests     int64
	stateChanges         int64
	openedAt             time.Time
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	trialInFlight        bool

	// generation is bumped on every state transition. Calls carry the
	// generation they were admitted under so a completion that straddles
	// a transition cannot act as the half-open trial verdict.
	generation uint64

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "breaker", "breaker", name),
		state:  StateClosed,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs op under the breaker's protection. Open-state rejections
// wrap ErrOpen and never invoke op. A call that outlives CallTimeout
// counts as a failure and returns an error wrapping
// context.DeadlineExceeded. The op's own error is propagated unchanged
// after being counted.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	if err := b.run(ctx, op); err != nil {
		b.recordFailure(gen, err)
		return err
	}
	b.recordSuccess(gen)
	return nil
}

// admit decides whether a call may proceed, counting it either way. It
// returns the generation the call was admitted under.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			b.rejectedRequests++
			return 0, fmt.Errorf("circuit breaker %q open: %w", b.name, ErrOpen)
		}
		b.toHalfOpen()
		b.trialInFlight = true
	case StateHalfOpen:
		if b.trialInFlight {
			b.rejectedRequests++
			return 0, fmt.Errorf("circuit breaker %q open: %w", b.name, ErrOpen)
		}
		b.trialInFlight = true
	}

	b.totalRequests++
	return b.generation, nil
}

// run executes op, bounding it with CallTimeout when configured. The op
// runs in its own goroutine so a call that ignores its context cannot
// wedge the breaker; an abandoned call's eventual result is discarded.
func (b *Breaker) run(ctx context.Context, op func(context.Context) error) error {
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("call to %s aborted: %w", b.name, ctx.Err())
	}
}

func (b *Breaker) recordSuccess(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successfulRequests++
	b.lastSuccessAt = b.now()

	// A call admitted under an earlier generation finished after the
	// state moved on; it counts in the totals but drives no transition.
	if gen != b.generation {
		return
	}

	b.consecutiveSuccesses++
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.toClosed()
	}
}

func (b *Breaker) recordFailure(gen uint64, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failedRequests++
	b.lastFailureAt = b.now()

	if gen != b.generation {
		return
	}

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0

	b.logger.Debug("recorded failure",
		"error", cause,
		"consecutive_failures", b.consecutiveFailures,
		"state", b.state)

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	case StateHalfOpen:
		// The trial failed; back to open with a fresh recovery window
		b.toOpen()
	}
}

// State transition helpers run with b.mu held.

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.trialInFlight = false
	b.stateChanges++
	b.generation++
	b.logger.Warn("circuit opened", "consecutive_failures", b.consecutiveFailures)
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.consecutiveSuccesses = 0
	b.stateChanges++
	b.generation++
	b.logger.Info("circuit half-open, admitting trial call")
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
	b.stateChanges++
	b.generation++
	b.logger.Info("circuit closed")
}

// Stats snapshots the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:                 b.name,
		State:                b.state,
		TotalRequests:        b.totalRequests,
		SuccessfulRequests:   b.successfulRequests,
		FailedRequests:       b.failedRequests,
		RejectedRequests:     b.rejectedRequests,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		StateChanges:         b.stateChanges,
	}
	if b.totalRequests > 0 {
		s.SuccessRate = float64(b.successfulRequests) / float64(b.totalRequests)
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		s.LastSuccessAt = &t
	}
	return s
}

// Reset forces the breaker closed and zeroes every counter and
// timestamp. Operator escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.totalRequests = 0
	b.successfulRequests = 0
	b.failedRequests = 0
	b.rejectedRequests = 0
	b.stateChanges = 0
	b.openedAt = time.Time{}
	b.lastFailureAt = time.Time{}
	b.lastSuccessAt = time.Time{}
	b.trialInFlight = false
	b.generation++

	b.logger.Info("circuit manually reset")
}

// setConfig swaps the breaker's tuning in place, preserving counters.
func (b *Breaker) setConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg.withDefaults()
}
