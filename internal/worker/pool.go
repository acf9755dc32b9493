package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gantryd/gantry/internal/breaker"
	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/faults"
	"github.com/gantryd/gantry/internal/queue"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPoolName        = "gantryd"
	DefaultWorkerCount     = 4
	DefaultReclaimInterval = time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultLoopBackoff     = 5 * time.Second
)

// Config carries worker pool settings. Zero values are replaced with
// defaults by New.
type Config struct {
	// Name prefixes each worker's claim identity, so claims read
	// "gantryd-0", "gantryd-1" and so on in the store.
	Name string

	// Count is the number of concurrent worker loops.
	Count int

	// TaskTypes limits the pool to the given types. Empty means every
	// type registered at the time Start is called.
	TaskTypes []string

	// ReclaimInterval is the cadence of the expired-claim sweep.
	ReclaimInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight tasks.
	ShutdownTimeout time.Duration

	// LoopBackoff is the pause after an infrastructure error before a
	// worker retries its dequeue.
	LoopBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultPoolName
	}
	if c.Count <= 0 {
		c.Count = DefaultWorkerCount
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LoopBackoff <= 0 {
		c.LoopBackoff = DefaultLoopBackoff
	}
	return c
}

// Pool runs worker loops that claim tasks and dispatch them to
// handlers, plus one maintenance loop that sweeps expired claims back
// into the queue.
type Pool struct {
	queue    *queue.Queue
	handlers *Registry
	breakers *breaker.Registry
	recovery *faults.Manager
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  map[string]struct{}

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a worker pool. All collaborators are required.
func New(
	q *queue.Queue,
	handlers *Registry,
	breakers *breaker.Registry,
	recovery *faults.Manager,
	cfg Config,
	logger *slog.Logger,
) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if handlers == nil {
		return nil, errors.New("handler registry is required")
	}
	if breakers == nil {
		return nil, errors.New("breaker registry is required")
	}
	if recovery == nil {
		return nil, errors.New("recovery manager is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		queue:    q,
		handlers: handlers,
		breakers: breakers,
		recovery: recovery,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "worker"),
		active:   make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start validates the pool's task types against the registry and spawns
// the worker and maintenance loops. An unknown task type fails fast
// before anything runs.
func (p *Pool) Start(ctx context.Context) error {
	taskTypes := p.cfg.TaskTypes
	if len(taskTypes) == 0 {
		taskTypes = p.handlers.Types()
	}
	if len(taskTypes) == 0 {
		return errors.New("worker pool has no task types: register a handler first")
	}

	var missing []string
	for _, taskType := range taskTypes {
		if _, ok := p.handlers.Get(taskType); !ok {
			missing = append(missing, taskType)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for task types: %s", strings.Join(missing, ", "))
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.started = true
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.Count; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.Name, i)
		p.wg.Add(1)
		go p.workerLoop(runCtx, workerID, taskTypes)
	}
	p.wg.Add(1)
	go p.maintenanceLoop(runCtx)

	p.logger.Info("worker pool started",
		"workers", p.cfg.Count,
		"task_types", taskTypes,
		"reclaim_interval", p.cfg.ReclaimInterval)
	return nil
}

// Stop signals every loop to exit after its current wait or task and
// blocks until they finish, bounded by ShutdownTimeout or the context
// deadline, whichever comes first. In-flight executions are never
// interrupted; a timeout reports the loops still running.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown interrupted (%w), still running: %s",
			ctx.Err(), strings.Join(p.running(), ", "))
	case <-timer.C:
		return fmt.Errorf("worker pool shutdown timed out after %s, still running: %s",
			p.cfg.ShutdownTimeout, strings.Join(p.running(), ", "))
	}
}

// running lists the loops that have not exited yet.
func (p *Pool) running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.active))
	for name := range p.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// trackLoop records a running loop and returns its cleanup.
func (p *Pool) trackLoop(name string) func() {
	p.mu.Lock()
	p.active[name] = struct{}{}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.active, name)
		p.mu.Unlock()
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string, taskTypes []string) {
	defer p.wg.Done()
	defer p.trackLoop(workerID)()

	logger := p.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker stopped")
			return
		}

		task, err := p.queue.Dequeue(ctx, taskTypes, workerID)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNoTask):
			continue
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			// Infrastructure trouble, not a task fault. Back off so a
			// struggling store is not hammered in a tight loop.
			logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.LoopBackoff):
			}
			continue
		}

		// The stop signal interrupts the dequeue wait, never a claimed
		// task: the execution context survives cancellation so the
		// final complete/fail write still goes through.
		p.execute(context.WithoutCancel(ctx), workerID, task)
	}
}

// taskResult is the envelope stored as the result of a completed task.
type taskResult struct {
	Data       json.RawMessage `json:"data"`
	WorkerID   string          `json:"worker_id"`
	DurationMS int64           `json:"duration_ms"`
}

func (p *Pool) execute(ctx context.Context, workerID string, task *domain.Task) {
	logger := p.logger.With(
		"worker_id", workerID,
		"task_id", task.ID,
		"task_type", task.TaskType,
	)
	logger.Info("processing task", "attempt", task.Attempts, "priority", task.Priority)

	handler, ok := p.handlers.Get(task.TaskType)
	if !ok {
		// Claimed before the registry changed underneath us. Retrying
		// cannot resolve the type, so dead-letter immediately.
		cause := fmt.Errorf("no handler registered for task type %q", task.TaskType)
		if _, err := p.queue.Fail(ctx, task.ID, workerID, cause, queue.WithNoRetry()); err != nil {
			logger.Error("failed to record task failure", "error", err)
			return
		}
		logger.Error("no handler for claimed task, dead-lettered")
		return
	}

	start := p.now()
	data, err := p.invoke(ctx, handler, task)
	elapsed := p.now().Sub(start)

	if err != nil {
		p.recordFailure(ctx, logger, workerID, task, handler, err, elapsed)
		return
	}

	result, err := json.Marshal(taskResult{
		Data:       data,
		WorkerID:   workerID,
		DurationMS: elapsed.Milliseconds(),
	})
	if err != nil {
		p.recordFailure(ctx, logger, workerID, task, handler,
			fmt.Errorf("failed to encode handler result: %w", err), elapsed)
		return
	}

	if _, err := p.queue.Complete(ctx, task.ID, workerID, result); err != nil {
		logger.Error("failed to record task completion", "error", err)
		return
	}
	logger.Info("task succeeded", "duration_ms", elapsed.Milliseconds())
}

// invoke runs the handler, inside its dependency's breaker when it
// names one.
func (p *Pool) invoke(ctx context.Context, h Handler, task *domain.Task) (json.RawMessage, error) {
	dep := h.Dependency()
	if dep == "" {
		return p.safeHandle(ctx, h, task)
	}

	var result json.RawMessage
	err := p.breakers.Get(dep).Call(ctx, func(ctx context.Context) error {
		out, herr := p.safeHandle(ctx, h, task)
		if herr != nil {
			return herr
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// safeHandle converts a handler panic into an ordinary failure so one
// bad task cannot take down the loop that claimed it.
func (p *Pool) safeHandle(ctx context.Context, h Handler, task *domain.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				"task_id", task.ID,
				"task_type", task.TaskType,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}

func (p *Pool) recordFailure(
	ctx context.Context,
	logger *slog.Logger,
	workerID string,
	task *domain.Task,
	handler Handler,
	cause error,
	elapsed time.Duration,
) {
	service := handler.Dependency()
	if service == "" {
		service = task.TaskType
	}

	record, action := p.recovery.Handle(ctx, service, task.TaskType, cause)

	opts := make([]queue.FailOption, 0, 2)
	if !action.Retry {
		opts = append(opts, queue.WithNoRetry())
	}
	if action.Delay > 0 {
		opts = append(opts, queue.WithMinDelay(action.Delay))
	}

	failed, err := p.queue.Fail(ctx, task.ID, workerID, cause, opts...)
	if err != nil {
		logger.Error("failed to record task failure", "error", err)
		return
	}

	logger.Warn("task attempt failed",
		"category", record.Category,
		"severity", record.Severity,
		"status", failed.Status,
		"attempts", failed.Attempts,
		"duration_ms", elapsed.Milliseconds(),
		"reason", action.Reason)
}

// maintenanceLoop periodically sweeps claims whose deadline lapsed,
// returning fresh tasks to pending and dead-lettering exhausted ones.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()
	defer p.trackLoop("maintenance")()

	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.queue.ReclaimExpired(ctx)
			if err != nil {
				p.logger.Error("expired-claim sweep failed", "error", err)
				continue
			}
			for _, task := range reclaimed {
				p.logger.Warn("reclaimed expired claim",
					"task_id", task.ID,
					"task_type", task.TaskType,
					"attempts", task.Attempts,
					"status", task.Status)
			}
		}
	}
}
