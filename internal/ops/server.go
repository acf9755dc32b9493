// Package ops exposes a read-only operational HTTP listener: health,
// queue/breaker/error statistics, schedule definitions, and liveness
// check snapshots. Mutating operations (enqueue, cancel, breaker reset)
// stay on the Go APIs; this surface exists for dashboards and probes.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gantryd/gantry/internal/breaker"
	"github.com/gantryd/gantry/internal/faults"
	"github.com/gantryd/gantry/internal/health"
	"github.com/gantryd/gantry/internal/queue"
	"github.com/gantryd/gantry/internal/scheduler"
)

const shutdownGrace = 10 * time.Second

// Deps are the collaborators the listener reads from. Collector, Queue,
// Breakers, and Recovery are required; Scheduler and Monitor are
// optional and their routes report an empty result when absent.
type Deps struct {
	Collector *health.Collector
	Queue     *queue.Queue
	Breakers  *breaker.Registry
	Recovery  *faults.Manager
	Scheduler *scheduler.Scheduler
	Monitor   *health.Monitor
}

// Server is the read-only ops listener.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// NewServer creates the listener. It does not bind until Serve.
func NewServer(addr string, deps Deps, logger *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, errors.New("listen address is required")
	}
	if deps.Collector == nil {
		return nil, errors.New("health collector is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if deps.Breakers == nil {
		return nil, errors.New("breaker registry is required")
	}
	if deps.Recovery == nil {
		return nil, errors.New("recovery manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:   addr,
		deps:   deps,
		logger: logger.With("component", "ops"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(newTraceMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats/queue", s.handleQueueStats)
	r.Get("/stats/breakers", s.handleBreakerStats)
	r.Get("/stats/errors", s.handleErrorStats)
	r.Get("/schedules", s.handleSchedules)
	r.Get("/checks", s.handleChecks)

	return r
}

// Serve binds the listener and blocks until ctx is cancelled or the
// server fails, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops listener started", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("ops listener shutdown failed", "error", err)
		return err
	}

	s.logger.Info("ops listener stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Collector.Report(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to collect health report", err)
		return
	}

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, r, status, report)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to collect queue stats", err)
		return
	}
	respondJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, s.deps.Breakers.AllStats())
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, s.deps.Recovery.Statistics(s.now()))
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		respondJSON(w, r, http.StatusOK, []any{})
		return
	}
	schedules, err := s.deps.Scheduler.List(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to list schedules", err)
		return
	}
	respondJSON(w, r, http.StatusOK, schedules)
}

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		respondJSON(w, r, http.StatusOK, map[string]health.CheckState{})
		return
	}
	respondJSON(w, r, http.StatusOK, s.deps.Monitor.Snapshot())
}
