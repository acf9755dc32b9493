package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gantryd/gantry/internal/domain"
	"github.com/gantryd/gantry/internal/platform/logger"
	"github.com/gantryd/gantry/internal/store"
)

// keyPrefix namespaces every key the store touches.
//
// Layout:
//
//	gantry:task:<id>   hash, one per task, fields matching domain.Task
//	gantry:ids         set of all task ids
//	gantry:types       set of all task types ever seen
//	gantry:delayed     zset of pending ids scored by scheduled time
//	gantry:ready:<type> zset of due pending ids scored by claim order
//	gantry:processing  zset of claimed ids scored by claim expiry
const keyPrefix = "gantry:"

const (
	idsKey        = keyPrefix + "ids"
	typesKey      = keyPrefix + "types"
	delayedKey    = keyPrefix + "delayed"
	processingKey = keyPrefix + "processing"
)

// scanBatchSize bounds how many task hashes a scan fetches per pipeline
// round trip.
const scanBatchSize = 256

func taskKey(id string) string { return keyPrefix + "task:" + id }

// TaskStore implements store.TaskStore on Redis. New pending tasks land in
// the delayed zset; the claim script promotes due ids into per-type ready
// zsets and picks the best one atomically, so concurrent workers never
// double-claim.
type TaskStore struct {
	client *redis.Client
}

// NewTaskStore creates a TaskStore backed by the given Redis client.
func NewTaskStore(client *redis.Client) *TaskStore {
	return &TaskStore{client: client}
}

// CreateTask stores a new task. The id set membership doubles as the
// duplicate guard.
func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	id := task.ID.String()
	added, err := s.client.SAdd(ctx, idsKey, id).Result()
	if err != nil {
		log.Error("failed to register task id",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"error", err)
		return fmt.Errorf("failed to register task id: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: task %s", store.ErrDuplicate, task.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(id), taskFields(task))
	pipe.SAdd(ctx, typesKey, task.TaskType)
	switch task.Status {
	case domain.TaskStatusPending:
		pipe.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(task.ScheduledAt.UnixMilli()),
			Member: id,
		})
	case domain.TaskStatusProcessing:
		if task.ClaimExpiresAt != nil {
			pipe.ZAdd(ctx, processingKey, redis.Z{
				Score:  float64(task.ClaimExpiresAt.UnixMilli()),
				Member: id,
			})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error("failed to store task",
			"task_id", task.ID,
			"task_type", task.TaskType,
			"error", err)
		return fmt.Errorf("failed to store task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	fields, err := s.client.HGetAll(ctx, taskKey(id.String())).Result()
	if err != nil {
		log.Error("failed to get task", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrTaskNotFound
	}

	task, err := taskFromFields(fields)
	if err != nil {
		log.Error("failed to decode task", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	return task, nil
}

// ClaimNextTask atomically claims the next eligible pending task via the
// claim script.
func (s *TaskStore) ClaimNextTask(
	ctx context.Context,
	taskTypes []string,
	claimedBy string,
	claimDuration time.Duration,
	now time.Time,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)
	now = now.UTC()

	argv := make([]any, 0, 4+len(taskTypes))
	argv = append(argv,
		keyPrefix,
		formatMilli(now),
		formatMilli(now.Add(claimDuration)),
		claimedBy,
	)
	for _, t := range taskTypes {
		argv = append(argv, t)
	}

	reply, err := claimScript.Run(ctx, s.client,
		[]string{typesKey, delayedKey, processingKey}, argv...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoEligibleTasks
	}
	if err != nil {
		log.Error("failed to claim task", "claimed_by", claimedBy, "error", err)
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	task, err := taskFromReply(reply)
	if err != nil {
		log.Error("failed to decode claimed task", "claimed_by", claimedBy, "error", err)
		return nil, fmt.Errorf("failed to decode claimed task: %w", err)
	}

	return task, nil
}

// CompleteTask marks a processing task completed. Completing an already
// completed task is a no-op so workers can retry verdict delivery.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	result json.RawMessage,
	now time.Time,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	reply, err := completeScript.Run(ctx, s.client,
		[]string{taskKey(id.String()), processingKey},
		claimedBy,
		string(result),
		formatMilli(now.UTC()),
		id.String(),
	).Result()
	if err != nil {
		log.Error("failed to complete task", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}

	return verdictReply(reply, "complete")
}

// FailTask records a failed attempt: dead-letter when the budget is spent or
// retries are forbidden, otherwise back to pending at retryAt.
func (s *TaskStore) FailTask(
	ctx context.Context,
	id uuid.UUID,
	claimedBy string,
	lastError string,
	retryAt time.Time,
	noRetry bool,
	now time.Time,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	noRetryFlag := "0"
	if noRetry {
		noRetryFlag = "1"
	}

	reply, err := failScript.Run(ctx, s.client,
		[]string{taskKey(id.String()), processingKey, delayedKey},
		claimedBy,
		lastError,
		formatMilli(retryAt.UTC()),
		noRetryFlag,
		formatMilli(now.UTC()),
		id.String(),
	).Result()
	if err != nil {
		log.Error("failed to record task failure", "task_id", id, "error", err)
		return nil, fmt.Errorf("failed to record task failure: %w", err)
	}

	return verdictReply(reply, "fail")
}

// CancelTask cancels a pending task. Claimed and terminal tasks are left
// untouched and reported as not cancelled.
func (s *TaskStore) CancelTask(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	log := logger.FromContext(ctx)

	reply, err := cancelScript.Run(ctx, s.client,
		[]string{taskKey(id.String()), delayedKey},
		formatMilli(now.UTC()),
		id.String(),
		keyPrefix,
	).Result()
	if err != nil {
		log.Error("failed to cancel task", "task_id", id, "error", err)
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}

	vals, ok := reply.([]any)
	if !ok || len(vals) == 0 {
		return false, fmt.Errorf("unexpected cancel reply of type %T", reply)
	}
	switch code, _ := vals[0].(string); code {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	case "missing":
		return false, store.ErrTaskNotFound
	default:
		return false, fmt.Errorf("unexpected cancel verdict %q", code)
	}
}

// ReclaimExpired sweeps processing tasks whose claim expired before now. The
// sweep reads each candidate outside the script, then lets the script
// re-check the claim under atomicity; entries that changed hands in between
// are skipped.
func (s *TaskStore) ReclaimExpired(
	ctx context.Context,
	retryAt func(attempts int) time.Time,
	now time.Time,
) ([]*domain.Task, error) {
	log := logger.FromContext(ctx)
	now = now.UTC()

	ids, err := s.client.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + formatMilli(now),
	}).Result()
	if err != nil {
		log.Error("failed to list expired claims", "error", err)
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}

	var reclaimed []*domain.Task
	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, taskKey(id),
			"claimed_by", "attempts", "claim_expires_at").Result()
		if err != nil {
			log.Error("failed to read expired claim", "task_id", id, "error", err)
			return nil, fmt.Errorf("failed to read expired claim: %w", err)
		}
		claimedBy, _ := vals[0].(string)
		attemptsField, _ := vals[1].(string)
		expiresField, _ := vals[2].(string)
		if attemptsField == "" || expiresField == "" {
			// The task received a verdict between the index read and here.
			continue
		}
		attempts, err := strconv.Atoi(attemptsField)
		if err != nil {
			log.Error("failed to decode expired claim", "task_id", id, "error", err)
			return nil, fmt.Errorf("failed to decode expired claim: %w", err)
		}

		lastError := fmt.Sprintf("claim by %s expired at attempt %d", claimedBy, attempts)
		reply, err := reclaimScript.Run(ctx, s.client,
			[]string{taskKey(id), processingKey, delayedKey},
			expiresField,
			formatMilli(retryAt(attempts).UTC()),
			formatMilli(now),
			lastError,
			id,
		).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			log.Error("failed to reclaim expired task", "task_id", id, "error", err)
			return nil, fmt.Errorf("failed to reclaim expired task: %w", err)
		}

		task, err := taskFromReply(reply)
		if err != nil {
			log.Error("failed to decode reclaimed task", "task_id", id, "error", err)
			return nil, fmt.Errorf("failed to decode reclaimed task: %w", err)
		}
		reclaimed = append(reclaimed, task)
	}

	return reclaimed, nil
}

// QueueStats aggregates task counts by walking the id set and fetching the
// counting fields of each task hash in pipelined batches.
func (s *TaskStore) QueueStats(ctx context.Context, now time.Time) (*domain.QueueStats, error) {
	log := logger.FromContext(ctx)
	now = now.UTC()

	ids, err := s.allTaskIDs(ctx)
	if err != nil {
		log.Error("failed to scan task ids", "error", err)
		return nil, fmt.Errorf("failed to scan task ids: %w", err)
	}

	metas, err := s.fetchFields(ctx, ids, "task_type", "status", "scheduled_at", "created_at")
	if err != nil {
		log.Error("failed to fetch task stats", "error", err)
		return nil, fmt.Errorf("failed to fetch task stats: %w", err)
	}

	stats := &domain.QueueStats{
		PerType:     make(map[string]domain.StatusCounts),
		CollectedAt: now,
	}

	for i, vals := range metas {
		taskType, _ := vals[0].(string)
		statusField, _ := vals[1].(string)
		if statusField == "" {
			// Deleted between the scan and the fetch.
			continue
		}
		status := domain.TaskStatus(statusField)

		stats.Counts.Add(status)
		perType := stats.PerType[taskType]
		perType.Add(status)
		stats.PerType[taskType] = perType

		if status != domain.TaskStatusPending {
			continue
		}
		scheduledAt, err := milliValue(vals[2])
		if err != nil {
			log.Error("failed to decode task stats", "task_id", ids[i], "error", err)
			return nil, fmt.Errorf("failed to decode task stats: %w", err)
		}
		createdAt, err := milliValue(vals[3])
		if err != nil {
			log.Error("failed to decode task stats", "task_id", ids[i], "error", err)
			return nil, fmt.Errorf("failed to decode task stats: %w", err)
		}
		if scheduledAt.After(now) {
			stats.Delayed++
		}
		if stats.OldestPendingAt == nil || createdAt.Before(*stats.OldestPendingAt) {
			stats.OldestPendingAt = &createdAt
		}
	}

	return stats, nil
}

// DeleteTerminalBefore removes terminal tasks older than cutoff.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	log := logger.FromContext(ctx)
	cutoffMilli := cutoff.UTC().UnixMilli()

	ids, err := s.allTaskIDs(ctx)
	if err != nil {
		log.Error("failed to scan task ids", "error", err)
		return 0, fmt.Errorf("failed to scan task ids: %w", err)
	}

	metas, err := s.fetchFields(ctx, ids, "status", "completed_at", "created_at")
	if err != nil {
		log.Error("failed to fetch task ages", "error", err)
		return 0, fmt.Errorf("failed to fetch task ages: %w", err)
	}

	var victims []string
	for i, vals := range metas {
		statusField, _ := vals[0].(string)
		switch domain.TaskStatus(statusField) {
		case domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled:
		default:
			continue
		}
		ageField, _ := vals[1].(string)
		if ageField == "" {
			ageField, _ = vals[2].(string)
		}
		at, err := strconv.ParseInt(ageField, 10, 64)
		if err != nil {
			log.Error("failed to decode task age", "task_id", ids[i], "error", err)
			return 0, fmt.Errorf("failed to decode task age: %w", err)
		}
		if at < cutoffMilli {
			victims = append(victims, ids[i])
		}
	}

	var deleted int64
	for start := 0; start < len(victims); start += scanBatchSize {
		end := min(start+scanBatchSize, len(victims))
		batch := victims[start:end]

		pipe := s.client.TxPipeline()
		delCmds := make([]*redis.IntCmd, len(batch))
		for i, id := range batch {
			delCmds[i] = pipe.Del(ctx, taskKey(id))
			pipe.SRem(ctx, idsKey, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error("failed to delete terminal tasks", "error", err)
			return deleted, fmt.Errorf("failed to delete terminal tasks: %w", err)
		}
		for _, cmd := range delCmds {
			deleted += cmd.Val()
		}
	}

	return deleted, nil
}

// allTaskIDs collects every member of the id set.
func (s *TaskStore) allTaskIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.SScan(ctx, idsKey, 0, "", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// fetchFields pipelines HMGET over the given ids in batches, returning one
// value slice per id. Every value is nil for tasks deleted since the ids
// were listed.
func (s *TaskStore) fetchFields(ctx context.Context, ids []string, fields ...string) ([][]any, error) {
	out := make([][]any, 0, len(ids))
	for start := 0; start < len(ids); start += scanBatchSize {
		end := min(start+scanBatchSize, len(ids))
		batch := ids[start:end]

		pipe := s.client.Pipeline()
		cmds := make([]*redis.SliceCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.HMGet(ctx, taskKey(id), fields...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		for _, cmd := range cmds {
			out = append(out, cmd.Val())
		}
	}
	return out, nil
}

// verdictReply maps a complete or fail script reply to the store contract.
func verdictReply(reply any, op string) (*domain.Task, error) {
	vals, ok := reply.([]any)
	if !ok || len(vals) == 0 {
		return nil, fmt.Errorf("unexpected %s reply of type %T", op, reply)
	}
	switch code, _ := vals[0].(string); code {
	case "done":
		if len(vals) < 2 {
			return nil, fmt.Errorf("%s reply is missing the task", op)
		}
		return taskFromReply(vals[1])
	case "missing":
		return nil, store.ErrTaskNotFound
	case "conflict":
		status := ""
		if len(vals) > 1 {
			status, _ = vals[1].(string)
		}
		return nil, store.NewStoreError(
			"task", op,
			fmt.Sprintf("task is %s", status),
			domain.ErrInvalidStatusTransition,
		)
	case "owner":
		return nil, store.ErrNotClaimOwner
	default:
		return nil, fmt.Errorf("unexpected %s verdict %q", op, code)
	}
}

// taskFields flattens a task into its hash representation. Times are unix
// milliseconds and an empty string means unset.
func taskFields(t *domain.Task) map[string]any {
	return map[string]any{
		"id":               t.ID.String(),
		"task_type":        t.TaskType,
		"payload":          string(t.Payload),
		"priority":         strconv.Itoa(t.Priority),
		"status":           string(t.Status),
		"attempts":         strconv.Itoa(t.Attempts),
		"max_retries":      strconv.Itoa(t.MaxRetries),
		"scheduled_at":     formatMilli(t.ScheduledAt),
		"claimed_by":       t.ClaimedBy,
		"claim_expires_at": formatMilliPtr(t.ClaimExpiresAt),
		"created_at":       formatMilli(t.CreatedAt),
		"started_at":       formatMilliPtr(t.StartedAt),
		"completed_at":     formatMilliPtr(t.CompletedAt),
		"result":           string(t.Result),
		"last_error":       t.LastError,
	}
}

// taskFromReply decodes the flat field list a script returns for a task.
func taskFromReply(reply any) (*domain.Task, error) {
	vals, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected task reply of type %T", reply)
	}
	fields := make(map[string]string, len(vals)/2)
	for i := 0; i+1 < len(vals); i += 2 {
		name, _ := vals[i].(string)
		value, _ := vals[i+1].(string)
		fields[name] = value
	}
	return taskFromFields(fields)
}

// taskFromFields rebuilds a task from its hash representation.
func taskFromFields(fields map[string]string) (*domain.Task, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", fields["id"], err)
	}
	priority, err := intField(fields, "priority")
	if err != nil {
		return nil, err
	}
	attempts, err := intField(fields, "attempts")
	if err != nil {
		return nil, err
	}
	maxRetries, err := intField(fields, "max_retries")
	if err != nil {
		return nil, err
	}
	scheduledAt, err := timeField(fields, "scheduled_at")
	if err != nil {
		return nil, err
	}
	createdAt, err := timeField(fields, "created_at")
	if err != nil {
		return nil, err
	}
	claimExpiresAt, err := timePtrField(fields, "claim_expires_at")
	if err != nil {
		return nil, err
	}
	startedAt, err := timePtrField(fields, "started_at")
	if err != nil {
		return nil, err
	}
	completedAt, err := timePtrField(fields, "completed_at")
	if err != nil {
		return nil, err
	}

	task := &domain.Task{
		ID:             id,
		TaskType:       fields["task_type"],
		Priority:       priority,
		Status:         domain.TaskStatus(fields["status"]),
		Attempts:       attempts,
		MaxRetries:     maxRetries,
		ScheduledAt:    scheduledAt,
		ClaimedBy:      fields["claimed_by"],
		ClaimExpiresAt: claimExpiresAt,
		CreatedAt:      createdAt,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		LastError:      fields["last_error"],
	}
	if raw := fields["payload"]; raw != "" {
		task.Payload = json.RawMessage(raw)
	}
	if raw := fields["result"]; raw != "" {
		task.Result = json.RawMessage(raw)
	}

	return task, nil
}

func intField(fields map[string]string, name string) (int, error) {
	n, err := strconv.Atoi(fields[name])
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, fields[name])
	}
	return n, nil
}

func timeField(fields map[string]string, name string) (time.Time, error) {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q", name, fields[name])
	}
	return time.UnixMilli(ms).UTC(), nil
}

func timePtrField(fields map[string]string, name string) (*time.Time, error) {
	if fields[name] == "" {
		return nil, nil
	}
	t, err := timeField(fields, name)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// milliValue parses a unix millisecond timestamp out of an HMGET value.
func milliValue(v any) (time.Time, error) {
	s, _ := v.(string)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func formatMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func formatMilliPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatMilli(*t)
}
