package faults

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gantryd/gantry/internal/redact"
)

// Record is one classified error occurrence inside the rolling window.
type Record struct {
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Service   string    `json:"service"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RecoveryAction tells the caller what to do with the failed work.
type RecoveryAction struct {
	// Retry reports whether another attempt can succeed.
	Retry bool
	// Delay is a lower bound on the wait before retrying, zero when the
	// normal backoff applies.
	Delay time.Duration
	// Reason is a short human-readable explanation for logs.
	Reason string
}

// ManagerConfig tunes the rolling window and escalation policy.
type ManagerConfig struct {
	// Window is how long records stay relevant. Default one hour.
	Window time.Duration
	// MaxRecords bounds the in-memory history. Default 1000.
	MaxRecords int
	// EscalateAfter is the occurrence count of the same service and
	// category within the window that bumps severity one level.
	// Default 5.
	EscalateAfter int
	// RateLimitDelay is the retry delay for rate-limited calls when the
	// error carries no retry-after hint. Default one minute.
	RateLimitDelay time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = 1000
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 5
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = time.Minute
	}
	return c
}

// Manager records classified errors and recommends recovery actions.
// Safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu      sync.Mutex
	records []Record

	// now is swapped out by tests.
	now func() time.Time
}

// NewManager creates a Manager with the given policy.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "recovery"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle classifies err, records it, and returns the record together
// with the recommended recovery action. Repeated failures of the same
// service and category inside the window escalate the severity.
func (m *Manager) Handle(ctx context.Context, service, operation string, err error) (Record, RecoveryAction) {
	category, severity := Classify(err)

	message := "unknown error"
	if err != nil {
		message = redact.Error(err)
	}

	m.mu.Lock()
	now := m.now()
	m.evictLocked(now)

	matching := 0
	for _, r := range m.records {
		if r.Service == service && r.Category == category {
			matching++
		}
	}
	if matching+1 >= m.cfg.EscalateAfter {
		severity = escalate(severity)
	}

	record := Record{
		Category:  category,
		Severity:  severity,
		Service:   service,
		Operation: operation,
		Message:   message,
		Timestamp: now,
	}
	m.records = append(m.records, record)
	if len(m.records) > m.cfg.MaxRecords {
		m.records = append(m.records[:0], m.records[len(m.records)-m.cfg.MaxRecords:]...)
	}
	m.mu.Unlock()

	action := m.actionFor(category, err)

	m.logger.LogAttrs(ctx, slog.LevelError, "fault handled",
		slog.String("service", service),
		slog.String("operation", operation),
		slog.String("category", string(category)),
		slog.String("severity", string(severity)),
		slog.Bool("retry", action.Retry),
		slog.String("error", message))

	return record, action
}

func (m *Manager) actionFor(category Category, err error) RecoveryAction {
	switch category {
	case CategoryValidation, CategoryAuthentication:
		return RecoveryAction{
			Retry:  false,
			Reason: "permanent failure, retrying cannot succeed",
		}
	case CategoryRateLimit:
		delay := RetryAfterHint(err)
		if delay <= 0 {
			delay = m.cfg.RateLimitDelay
		}
		return RecoveryAction{
			Retry:  true,
			Delay:  delay,
			Reason: "rate limited, waiting before retry",
		}
	default:
		return RecoveryAction{
			Retry:  true,
			Reason: "transient failure, retry with backoff",
		}
	}
}

var retryAfterRegexp = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// RetryAfterHint extracts a retry-after delay, in seconds, from the
// error message. Returns zero when no hint is present.
func RetryAfterHint(err error) time.Duration {
	if err == nil {
		return 0
	}
	match := retryAfterRegexp.FindStringSubmatch(err.Error())
	if match == nil {
		return 0
	}
	secs, convErr := strconv.Atoi(match[1])
	if convErr != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// evictLocked drops records older than the window. Caller holds m.mu.
func (m *Manager) evictLocked(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	idx := 0
	for idx < len(m.records) && m.records[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.records = append(m.records[:0], m.records[idx:]...)
	}
}

// Records snapshots the live window as of now.
func (m *Manager) Records(now time.Time) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked(now)

	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
