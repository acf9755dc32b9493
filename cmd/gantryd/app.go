package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	redisclient "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/gantryd/gantry/internal/breaker"
	"github.com/gantryd/gantry/internal/config"
	"github.com/gantryd/gantry/internal/faults"
	"github.com/gantryd/gantry/internal/health"
	"github.com/gantryd/gantry/internal/ops"
	"github.com/gantryd/gantry/internal/platform/memory"
	"github.com/gantryd/gantry/internal/platform/postgres"
	"github.com/gantryd/gantry/internal/platform/redis"
	"github.com/gantryd/gantry/internal/queue"
	"github.com/gantryd/gantry/internal/scheduler"
	"github.com/gantryd/gantry/internal/store"
	"github.com/gantryd/gantry/internal/worker"
)

// application holds the daemon's wired components so startup order and
// shutdown cleanup live in one place. Nothing in here is a global; every
// component receives its collaborators explicitly.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	redisClient *redisclient.Client

	taskStore     store.TaskStore
	scheduleStore store.ScheduleStore

	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	breakers  *breaker.Registry
	recovery  *faults.Manager
	handlers  *worker.Registry
	pool      *worker.Pool
	collector *health.Collector
	monitor   *health.Monitor
	ops       *ops.Server
}

// newApplication wires every component according to the configured queue
// backend. It fails fast: any collaborator that cannot be constructed or
// reached aborts startup.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		cfg:    cfg,
		logger: logger,
	}

	if err := app.setupStores(ctx); err != nil {
		app.cleanup()
		return nil, err
	}

	var err error
	app.queue, err = queue.New(app.taskStore, queue.Config{
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		ClaimDuration:     cfg.Queue.ClaimDuration,
		PollInterval:      cfg.Queue.PollInterval,
		WaitTimeout:       cfg.Worker.WaitTimeout,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffMax:        cfg.Queue.BackoffMax,
		JitterFraction:    cfg.Queue.JitterFraction,
	}, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	app.scheduler, err = scheduler.New(app.scheduleStore, app.queue, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
	}, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	app.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger)
	app.recovery = faults.NewManager(faults.ManagerConfig{}, logger)

	app.handlers = worker.NewRegistry()
	if err := registerBuiltinHandlers(app.handlers, app.queue, cfg.Queue.RetentionAge); err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}

	app.pool, err = worker.New(app.queue, app.handlers, app.breakers, app.recovery, worker.Config{
		Count:           cfg.Worker.Count,
		TaskTypes:       cfg.Worker.TaskTypes,
		ReclaimInterval: cfg.Worker.ReclaimInterval,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	}, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize worker pool: %w", err)
	}

	app.collector, err = health.NewCollector(app.queue, app.breakers, app.recovery)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize health collector: %w", err)
	}

	app.monitor = health.NewMonitor(health.MonitorConfig{}, logger)
	app.registerChecks()

	if cfg.Ops.Enabled {
		app.ops, err = ops.NewServer(cfg.Ops.Addr, ops.Deps{
			Collector: app.collector,
			Queue:     app.queue,
			Breakers:  app.breakers,
			Recovery:  app.recovery,
			Scheduler: app.scheduler,
			Monitor:   app.monitor,
		}, logger)
		if err != nil {
			app.cleanup()
			return nil, fmt.Errorf("failed to initialize ops listener: %w", err)
		}
	}

	return app, nil
}

// setupStores opens the backing stores for the configured queue backend.
// Redis deployments keep schedule definitions in postgres when a database
// URL is configured, matching the split the queue was designed around;
// without one they fall back to in-memory definitions.
func (app *application) setupStores(ctx context.Context) error {
	cfg := app.cfg

	switch cfg.Queue.Backend {
	case "postgres":
		db, err := openDatabase(ctx, cfg.Database.URL, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		if err := runMigrations(db, app.logger); err != nil {
			return err
		}
		app.taskStore = postgres.NewTaskStore(db)
		app.scheduleStore = postgres.NewScheduleStore(db)

	case "redis":
		client, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		app.redisClient = client
		app.taskStore = redis.NewTaskStore(client)

		if cfg.Database.URL != "" {
			db, err := openDatabase(ctx, cfg.Database.URL, app.logger)
			if err != nil {
				return err
			}
			app.db = db
			if err := runMigrations(db, app.logger); err != nil {
				return err
			}
			app.scheduleStore = postgres.NewScheduleStore(db)
		} else {
			app.logger.Warn("no database configured; schedule definitions will not survive restarts")
			app.scheduleStore = memory.NewScheduleStore()
		}

	case "memory":
		app.logger.Warn("memory backend configured; tasks will not survive restarts")
		app.taskStore = memory.NewTaskStore()
		app.scheduleStore = memory.NewScheduleStore()

	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}

	return nil
}

// registerChecks wires liveness probes for whichever backends are open.
func (app *application) registerChecks() {
	if app.db != nil {
		db := app.db
		app.monitor.RegisterCheck("database", func(ctx context.Context) error {
			return db.PingContext(ctx)
		})
	}
	if app.redisClient != nil {
		client := app.redisClient
		app.monitor.RegisterCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
}

// Run seeds configured schedules and supervises the long-running loops
// until ctx is cancelled or one of them fails.
func (app *application) Run(ctx context.Context) error {
	if err := app.scheduler.Seed(ctx, app.cfg.Schedules); err != nil {
		return fmt.Errorf("failed to seed schedules: %w", err)
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.scheduler.Run(groupCtx)
	})

	g.Go(func() error {
		return app.monitor.Run(groupCtx)
	})

	if app.ops != nil {
		g.Go(func() error {
			return app.ops.Serve(groupCtx)
		})
	}

	g.Go(func() error {
		if err := app.pool.Start(groupCtx); err != nil {
			return err
		}
		<-groupCtx.Done()

		// Stop gets a fresh context: the group context is already
		// cancelled, and in-flight tasks deserve the shutdown grace.
		stopCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Worker.ShutdownTimeout)
		defer cancel()
		return app.pool.Stop(stopCtx)
	})

	app.logger.Info("gantryd started")
	return g.Wait()
}

// cleanup closes any clients the application opened. Safe to call on a
// partially constructed application.
func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("failed to close redis client", "error", err)
		}
	}
}
