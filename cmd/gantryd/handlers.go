package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/platform/logger"
	"github.com/gantryd/gantry/internal/queue"
	"github.com/gantryd/gantry/internal/worker"
)

// TaskTypeCleanup is the built-in housekeeping task that purges terminal
// tasks past their retention age. The default nightly schedule enqueues
// it; embedding applications register their own business handlers next
// to it.
const TaskTypeCleanup = "cleanup_tasks"

type cleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

type cleanupResult struct {
	Deleted int64  `json:"deleted"`
	Age     string `json:"age"`
}

// registerBuiltinHandlers installs the daemon's own task handlers.
func registerBuiltinHandlers(reg *worker.Registry, q *queue.Queue, retention time.Duration) error {
	return reg.Register(TaskTypeCleanup, worker.HandlerFunc(
		func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
			age := retention
			if len(task.Payload) > 0 {
				var p cleanupPayload
				if err := json.Unmarshal(task.Payload, &p); err != nil {
					return nil, fmt.Errorf("%w: malformed cleanup payload: %v", domain.ErrValidation, err)
				}
				if p.OlderThanHours > 0 {
					age = time.Duration(p.OlderThanHours) * time.Hour
				}
			}

			deleted, err := q.CleanupOlderThan(ctx, age)
			if err != nil {
				return nil, err
			}

			logger.FromContext(ctx).Info("cleanup task finished",
				"deleted", deleted,
				"age", age)
			return json.Marshal(cleanupResult{Deleted: deleted, Age: age.String()})
		}))
}
