package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/models"
)

// ErrJobNotFound is returned when a job record no longer exists (trimmed or cleaned).
var ErrJobNotFound = errors.New("queue: job not found")

// JobOptions controls retry and retention for one enqueued job.
type JobOptions struct {
	// JobID makes the enqueue idempotent: a second enqueue with the same id is a no-op.
	JobID              string
	Attempts           int
	Backoff            models.Backoff
	RetentionCompleted int
	RetentionFailed    int
	Delay              time.Duration
}

// OptionsFromPolicy builds JobOptions from a topic policy.
func OptionsFromPolicy(p config.TopicPolicy) JobOptions {
	return JobOptions{
		Attempts:           p.Attempts,
		Backoff:            models.Backoff{Type: p.BackoffType, Delay: p.BackoffDelay},
		RetentionCompleted: p.RetentionCompleted,
		RetentionFailed:    p.RetentionFailed,
	}
}

// RedisQueue keeps per-topic waiting, active (leased), delayed, completed and
// failed sets in Redis. Job bodies are JSON strings keyed by topic and id.
//
// Leases are deadlines in the active zset; RequeueExpired hands jobs whose worker
// died back to the waiting list, which is what makes delivery at-least-once.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisClient builds the shared Redis client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, visibility time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		prefix:        "queue",
		visibilityTTL: visibility,
		now:           time.Now,
	}
}

func (q *RedisQueue) key(topic, part string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, topic, part)
}

func (q *RedisQueue) jobKeyPrefix(topic string) string {
	return q.key(topic, "job:")
}

func (q *RedisQueue) jobKey(topic, id string) string {
	return q.jobKeyPrefix(topic) + id
}

// Enqueue stores a job and makes it visible to workers, either immediately or
// after opts.Delay. The returned bool is false when opts.JobID already existed.
func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload any, opts JobOptions) (models.Job, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Backoff.Type == "" {
		opts.Backoff.Type = models.BackoffFixed
	}

	now := q.now().UTC()
	job := models.Job{
		ID:                 id,
		Topic:              topic,
		Payload:            raw,
		Status:             models.StatusWaiting,
		MaxAttempts:        opts.Attempts,
		Backoff:            opts.Backoff,
		RetentionCompleted: opts.RetentionCompleted,
		RetentionFailed:    opts.RetentionFailed,
		CreatedAt:          now,
	}
	runAt := int64(0)
	if opts.Delay > 0 {
		next := now.Add(opts.Delay)
		job.Status = models.StatusDelayed
		job.NextRunAt = &next
		runAt = next.UnixMilli()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal job: %w", err)
	}

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(topic, id), q.key(topic, "waiting"), q.key(topic, "delayed")},
		id, body, runAt,
	).Int()
	if err != nil {
		return models.Job{}, false, fmt.Errorf("enqueue %s: %w", topic, err)
	}
	if created == 0 {
		existing, err := q.GetJob(ctx, topic, id)
		return existing, false, err
	}
	return job, true, nil
}

// Dequeue leases the next waiting job of topic. ok is false when nothing is waiting.
func (q *RedisQueue) Dequeue(ctx context.Context, topic string) (models.Job, bool, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.key(topic, "waiting"), q.key(topic, "active")}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	job, err := q.GetJob(ctx, topic, id)
	if errors.Is(err, ErrJobNotFound) {
		// Cleaned while waiting; drop the lease.
		_ = q.client.ZRem(ctx, q.key(topic, "active"), id).Err()
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	now := q.now().UTC()
	job.Status = models.StatusActive
	job.ProcessedAt = &now
	job.NextRunAt = nil
	if err := q.save(ctx, q.client, job); err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Progress records a percentage and stage for observability and extends the lease.
func (q *RedisQueue) Progress(ctx context.Context, job *models.Job, pct int, stage string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job.Progress = pct
	job.Stage = stage
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, *job); err != nil {
		return err
	}
	pipe.ZAddXX(ctx, q.key(job.Topic, "active"), redis.Z{
		Score:  float64(q.now().Add(q.visibilityTTL).UnixMilli()),
		Member: job.ID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// ExtendLease pushes the lease deadline of a running job out by the visibility
// timeout. held is false when the job is no longer leased, for example because
// its lease already expired and it was handed back to the waiting list.
func (q *RedisQueue) ExtendLease(ctx context.Context, topic, id string) (held bool, err error) {
	n, err := q.client.ZAddArgs(ctx, q.key(topic, "active"), redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{{
			Score:  float64(q.now().Add(q.visibilityTTL).UnixMilli()),
			Member: id,
		}},
	}).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Complete marks the job completed, stores its result and trims completed history.
func (q *RedisQueue) Complete(ctx context.Context, job *models.Job, result map[string]any) error {
	now := q.now().UTC()
	job.Status = models.StatusCompleted
	job.Result = result
	job.Progress = 100
	job.FinishedAt = &now
	return q.finish(ctx, job, "completed", job.RetentionCompleted)
}

// Fail moves the job to the terminal failed set and trims failed history.
func (q *RedisQueue) Fail(ctx context.Context, job *models.Job, reason string) error {
	now := q.now().UTC()
	job.Status = models.StatusFailed
	job.FailedReason = reason
	job.FinishedAt = &now
	return q.finish(ctx, job, "failed", job.RetentionFailed)
}

func (q *RedisQueue) finish(ctx context.Context, job *models.Job, list string, retention int) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return finishScript.Run(ctx, q.client,
		[]string{q.key(job.Topic, "active"), q.key(job.Topic, list), q.jobKey(job.Topic, job.ID)},
		job.ID, body, retention, q.jobKeyPrefix(job.Topic),
	).Err()
}

// Retry releases the lease and schedules the job to run again at runAt.
func (q *RedisQueue) Retry(ctx context.Context, job *models.Job, reason string, runAt time.Time) error {
	job.Status = models.StatusDelayed
	job.FailedReason = reason
	next := runAt.UTC()
	job.NextRunAt = &next
	pipe := q.client.TxPipeline()
	if err := q.save(ctx, pipe, *job); err != nil {
		return err
	}
	pipe.ZRem(ctx, q.key(job.Topic, "active"), job.ID)
	pipe.ZAdd(ctx, q.key(job.Topic, "delayed"), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed jobs onto the waiting list. It returns how many moved.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, topic string, now time.Time, limit int64) (int, error) {
	ids, err := moveDueScript.Run(ctx, q.client,
		[]string{q.key(topic, "delayed"), q.key(topic, "waiting")},
		now.UnixMilli(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	q.markWaiting(ctx, topic, ids, models.StatusDelayed)
	return len(ids), nil
}

// RequeueExpired hands jobs whose lease ran out back to the waiting list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, topic string, now time.Time, limit int64) ([]string, error) {
	ids, err := moveDueScript.Run(ctx, q.client,
		[]string{q.key(topic, "active"), q.key(topic, "waiting")},
		now.UnixMilli(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	q.markWaiting(ctx, topic, ids, models.StatusActive)
	return ids, nil
}

// markWaiting is best effort: the sets are the source of truth for counts, the
// status field only mirrors them for GetJob.
func (q *RedisQueue) markWaiting(ctx context.Context, topic string, ids []string, from string) {
	for _, id := range ids {
		job, err := q.GetJob(ctx, topic, id)
		if err != nil || job.Status != from {
			continue
		}
		job.Status = models.StatusWaiting
		job.NextRunAt = nil
		_ = q.save(ctx, q.client, job)
	}
}

// GetJob loads a job record.
func (q *RedisQueue) GetJob(ctx context.Context, topic, id string) (models.Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(topic, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, fmt.Errorf("%s/%s: %w", topic, id, ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, err
	}
	var job models.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Counts returns the number of jobs in each state for topic.
func (q *RedisQueue) Counts(ctx context.Context, topic string) (models.QueueCounts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key(topic, "waiting"))
	active := pipe.ZCard(ctx, q.key(topic, "active"))
	delayed := pipe.ZCard(ctx, q.key(topic, "delayed"))
	completed := pipe.LLen(ctx, q.key(topic, "completed"))
	failed := pipe.LLen(ctx, q.key(topic, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueCounts{}, err
	}
	return models.QueueCounts{
		Topic:     topic,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// RetryFailed moves every failed job of topic back to waiting with a fresh attempt budget.
func (q *RedisQueue) RetryFailed(ctx context.Context, topic string) (int, error) {
	ids, err := q.client.LRange(ctx, q.key(topic, "failed"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	moved := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, topic, id)
		if err != nil {
			continue
		}
		job.Status = models.StatusWaiting
		job.Attempts = 0
		job.FailedReason = ""
		job.FinishedAt = nil
		job.Progress = 0
		job.Stage = ""
		if err := q.save(ctx, pipe, job); err != nil {
			return 0, err
		}
		pipe.RPush(ctx, q.key(topic, "waiting"), id)
		moved++
	}
	pipe.Del(ctx, q.key(topic, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return moved, nil
}

// Clean removes every job in the given state of topic. Active jobs cannot be cleaned.
func (q *RedisQueue) Clean(ctx context.Context, topic, status string) (int, error) {
	setKey := ""
	var ids []string
	var err error
	switch status {
	case models.StatusWaiting, models.StatusCompleted, models.StatusFailed:
		setKey = q.key(topic, status)
		ids, err = q.client.LRange(ctx, setKey, 0, -1).Result()
	case models.StatusDelayed:
		setKey = q.key(topic, status)
		ids, err = q.client.ZRange(ctx, setKey, 0, -1).Result()
	default:
		return 0, fmt.Errorf("cannot clean %q jobs", status)
	}
	if err != nil {
		return 0, err
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, q.jobKey(topic, id))
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) save(ctx context.Context, c redis.Cmdable, job models.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return c.Set(ctx, q.jobKey(job.Topic, job.ID), body, 0).Err()
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
local runAt = tonumber(ARGV[3])
if runAt > 0 then
  redis.call('ZADD', KEYS[3], runAt, ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)

var finishScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2])
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
local keep = tonumber(ARGV[3])
if keep < 0 then keep = 0 end
while redis.call('LLEN', KEYS[2]) > keep do
  local old = redis.call('RPOP', KEYS[2])
  redis.call('DEL', ARGV[4] .. old)
end
return 1
`)
