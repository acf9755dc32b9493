package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional gantryd.yaml config file and
// from environment variables with the GANTRY_ prefix. Environment variables
// take precedence over values from config files, which take precedence over
// defaults. Returns a populated Config struct or an error if loading or
// validation fails.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads the config file at the given path.
// An empty path falls back to GANTRY_CONFIG_PATH and then to a gantryd.yaml
// in the working directory or /etc/gantryd. A missing config file is not an
// error; environment variables and defaults still apply.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variables: GANTRY_QUEUE_BACKEND overrides queue.backend, etc.
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config_path")
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gantryd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gantryd")
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; anything else is not.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers the default value for every knob so a bare
// environment still yields a runnable postgres-backed configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	// Keys without a meaningful default still need to be registered or
	// AutomaticEnv will not surface them through Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("worker.task_types", []string{})

	v.SetDefault("queue.backend", "postgres")
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.claim_duration", 10*time.Minute)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.backoff_base", time.Minute)
	v.SetDefault("queue.backoff_max", 30*time.Minute)
	v.SetDefault("queue.jitter_fraction", 0.1)
	v.SetDefault("queue.retention_age", 30*24*time.Hour)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.wait_timeout", 5*time.Second)
	v.SetDefault("worker.reclaim_interval", time.Minute)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("scheduler.tick_interval", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", time.Minute)
	v.SetDefault("breaker.call_timeout", 30*time.Second)

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.addr", ":8090")

	v.SetDefault("redis.db", 0)

	// Built-in housekeeping: purge terminal tasks nightly. Operators can
	// override or disable it like any other seeded schedule.
	v.SetDefault("schedules", []map[string]any{{
		"name":      "nightly-cleanup",
		"cron":      "0 2 * * *",
		"task_type": "cleanup_tasks",
	}})
}

// Masked returns the database URL with any credentials replaced, safe for
// startup logging.
func (c DatabaseConfig) Masked() string {
	url := c.URL
	if at := strings.LastIndex(url, "@"); at != -1 {
		if scheme := strings.Index(url, "://"); scheme != -1 && scheme+3 < at {
			return url[:scheme+3] + "****" + url[at:]
		}
	}
	return url
}

// validate applies struct tag validation plus the cross-field rules that
// tags cannot express.
func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch cfg.Queue.Backend {
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("invalid configuration: database.url is required for the postgres backend")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("invalid configuration: redis.addr is required for the redis backend")
		}
	}

	if cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		return fmt.Errorf("invalid configuration: queue.backoff_max must be >= queue.backoff_base")
	}

	return nil
}
