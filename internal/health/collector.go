// Package health aggregates queue, breaker, and error-rate signals into
// a scored report, and runs periodic liveness checks against the
// backends the daemon depends on.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gantryd/gantry/internal/breaker"
	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/faults"
	"github.com/gantryd/gantry/internal/queue"
)

// Status buckets an overall score into an operator-facing verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Scoring thresholds and penalty weights.
const (
	healthyFloor  = 80.0
	degradedFloor = 50.0

	backlogAllowance   = 100
	backlogPenaltyCap  = 20.0
	failureRateFloor   = 0.10
	failurePenaltyCap  = 30.0
	openBreakerPenalty = 15.0
	breakerPenaltyCap  = 30.0
)

// Report is a point-in-time view of the daemon's processing health.
type Report struct {
	Status    Status                   `json:"status"`
	Score     float64                  `json:"score"`
	CheckedAt time.Time                `json:"checked_at"`
	Queue     *domain.QueueStats       `json:"queue"`
	Breakers  map[string]breaker.Stats `json:"breakers"`
	Errors    faults.Stats             `json:"errors"`
}

// Collector assembles health reports from the queue, the breaker
// registry, and the recovery manager.
type Collector struct {
	queue    *queue.Queue
	breakers *breaker.Registry
	recovery *faults.Manager

	// now is swapped out by tests.
	now func() time.Time
}

// NewCollector creates a Collector. All collaborators are required.
func NewCollector(q *queue.Queue, breakers *breaker.Registry, recovery *faults.Manager) (*Collector, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if breakers == nil {
		return nil, errors.New("breaker registry is required")
	}
	if recovery == nil {
		return nil, errors.New("recovery manager is required")
	}

	return &Collector{
		queue:    q,
		breakers: breakers,
		recovery: recovery,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Report gathers current queue, breaker, and error statistics and
// scores them.
func (c *Collector) Report(ctx context.Context) (*Report, error) {
	queueStats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}

	now := c.now()
	breakerStats := c.breakers.AllStats()
	score := scoreOf(queueStats, breakerStats)

	return &Report{
		Status:    statusFor(score),
		Score:     score,
		CheckedAt: now,
		Queue:     queueStats,
		Breakers:  breakerStats,
		Errors:    c.recovery.Statistics(now),
	}, nil
}

// scoreOf deducts from 100 for pending backlog, terminal failure rate,
// and open breakers, flooring at zero.
func scoreOf(qs *domain.QueueStats, breakers map[string]breaker.Stats) float64 {
	score := 100.0

	if backlog := qs.Counts.Pending; backlog > backlogAllowance {
		score -= math.Min(backlogPenaltyCap, float64(backlog-backlogAllowance)/10)
	}

	if settled := qs.Counts.Failed + qs.Counts.Completed; settled > 0 {
		failureRate := float64(qs.Counts.Failed) / float64(settled)
		if failureRate > failureRateFloor {
			score -= math.Min(failurePenaltyCap, failureRate*100)
		}
	}

	open := 0
	for _, st := range breakers {
		if st.State == breaker.StateOpen {
			open++
		}
	}
	score -= math.Min(breakerPenaltyCap, float64(open)*openBreakerPenalty)

	return math.Max(0, score)
}

func statusFor(score float64) Status {
	switch {
	case score >= healthyFloor:
		return StatusHealthy
	case score >= degradedFloor:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
