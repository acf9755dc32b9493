// Package main implements gantryd, the task-processing daemon: a durable
// priority queue drained by a worker pool, a cron scheduler feeding it,
// circuit breakers around external collaborators, and a read-only ops
// listener for health and statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gantryd/gantry/internal/config"
	"github.com/gantryd/gantry/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gantryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the gantryd.yaml config file")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("configuration loaded",
		"queue_backend", cfg.Queue.Backend,
		"database_url", cfg.Database.Masked(),
		"worker_count", cfg.Worker.Count,
		"scheduler_tick", cfg.Scheduler.TickInterval,
		"ops_enabled", cfg.Ops.Enabled,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	if err := app.Run(ctx); err != nil {
		log.Error("daemon exited with error", "error", err)
		return err
	}

	log.Info("daemon shutdown completed")
	return nil
}
