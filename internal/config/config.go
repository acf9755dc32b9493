package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Log       LogConfig        `mapstructure:"log"       validate:"required"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Queue     QueueConfig      `mapstructure:"queue"     validate:"required"`
	Worker    WorkerConfig     `mapstructure:"worker"    validate:"required"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler" validate:"required"`
	Breaker   BreakerConfig    `mapstructure:"breaker"   validate:"required"`
	Ops       OpsConfig        `mapstructure:"ops"`
	Schedules []ScheduleConfig `mapstructure:"schedules" validate:"dive"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// URL is required when the queue backend is postgres.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// RedisConfig contains redis connection settings.
// Addr is required when the queue backend is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"     validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"       validate:"gte=0"`
}

// QueueConfig contains task queue policy settings.
type QueueConfig struct {
	// Backend selects the task store implementation.
	Backend string `mapstructure:"backend" validate:"required,oneof=postgres redis memory"`

	// DefaultMaxRetries is the attempt budget for tasks enqueued without
	// an explicit budget.
	DefaultMaxRetries int `mapstructure:"default_max_retries" validate:"gte=0"`

	// ClaimDuration is how long a worker holds a claim before the task is
	// considered abandoned and reclaimed.
	ClaimDuration time.Duration `mapstructure:"claim_duration" validate:"gt=0"`

	// PollInterval is the pause between claim attempts while a dequeue
	// waits for work.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

	// BackoffBase and BackoffMax bound the exponential retry backoff.
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"  validate:"gt=0"`

	// JitterFraction randomizes each backoff by up to this fraction in
	// either direction to avoid retry stampedes.
	JitterFraction float64 `mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`

	// RetentionAge is how long terminal tasks are kept before cleanup
	// deletes them.
	RetentionAge time.Duration `mapstructure:"retention_age" validate:"gt=0"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	// Count is the number of concurrent worker goroutines.
	Count int `mapstructure:"count" validate:"required,gte=1"`

	// TaskTypes limits the pool to the given types. Empty means every
	// registered type.
	TaskTypes []string `mapstructure:"task_types"`

	// WaitTimeout bounds how long a single dequeue waits for work before
	// the worker loop comes back around.
	WaitTimeout time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`

	// ReclaimInterval is the cadence of the expired-claim sweep.
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" validate:"gt=0"`

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// SchedulerConfig contains cron scheduler settings.
type SchedulerConfig struct {
	// TickInterval is how often due definitions are evaluated.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
}

// BreakerConfig contains the defaults applied to circuit breakers that are
// created lazily by dependency name.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens a breaker.
	FailureThreshold int `mapstructure:"failure_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long an open breaker waits before allowing a
	// half-open trial call.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`

	// CallTimeout bounds each guarded call. Zero disables the bound.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
}

// OpsConfig contains settings for the read-only operational HTTP listener.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// ScheduleConfig is a declarative scheduled task definition seeded at
// startup. Definitions already present in the store are left untouched so
// operator edits survive restarts. Zero Priority and MaxRetries mean the
// queue defaults apply.
type ScheduleConfig struct {
	Name       string         `mapstructure:"name"        validate:"required"`
	Cron       string         `mapstructure:"cron"        validate:"required"`
	TaskType   string         `mapstructure:"task_type"   validate:"required"`
	Payload    map[string]any `mapstructure:"payload"`
	Priority   int            `mapstructure:"priority"    validate:"omitempty,gte=1,lte=10"`
	MaxRetries int            `mapstructure:"max_retries" validate:"gte=0"`
	Disabled   bool           `mapstructure:"disabled"`
}
