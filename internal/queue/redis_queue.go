// Package queue dispatches job ids to workers through Redis: priority ready
// lists, a scheduled set for deferred work, and an in-flight set of leases.
// Delivery is at least once; the ledger decides whether a delivery does work.
package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"autopilot-orchestrator/internal/config"
)

const DefaultPriority = "default"

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
type RedisQueue struct {
	client         redis.UniversalClient
	prefix         string
	priorityQueues []string
	visibilityTTL  time.Duration
	dlqKey         string
	now            func() time.Time
}

// Options configures a RedisQueue.
type Options struct {
	Prefix            string
	PriorityQueues    []string
	VisibilityTimeout time.Duration
	DLQName           string
	Now               func() time.Time
}

// OptionsFromConfig maps runtime config onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	}
}

// NewRedisClient builds the client shared by the queue and the rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = "queue"
	}
	if len(opts.PriorityQueues) == 0 {
		opts.PriorityQueues = []string{DefaultPriority}
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.DLQName == "" {
		opts.DLQName = opts.Prefix + ":dlq"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisQueue{
		client:         client,
		prefix:         opts.Prefix,
		priorityQueues: opts.PriorityQueues,
		visibilityTTL:  opts.VisibilityTimeout,
		dlqKey:         opts.DLQName,
		now:            opts.Now,
	}
}

func (q *RedisQueue) readyKey(priority string) string { return q.prefix + ":ready:" + priority }
func (q *RedisQueue) inflightKey() string             { return q.prefix + ":inflight" }
func (q *RedisQueue) scheduledKey() string            { return q.prefix + ":scheduled" }
func (q *RedisQueue) metaKey(jobID string) string     { return q.prefix + ":jobmeta:" + jobID }

// VisibilityTimeout is the lease granted by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

// normalize maps unknown priorities to the default lane so nothing is stranded
// in a list no worker polls.
func (q *RedisQueue) normalize(priority string) string {
	for _, p := range q.priorityQueues {
		if p == priority {
			return p
		}
	}
	for _, p := range q.priorityQueues {
		if p == DefaultPriority {
			return p
		}
	}
	return q.priorityQueues[len(q.priorityQueues)/2]
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error {
	priority = q.normalize(priority)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "enqueue %s", jobID)
}

// PromoteScheduled moves due scheduled jobs into ready queues and returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey(), limit)
	return len(ids), errors.Wrap(err, "promote scheduled")
}

// RequeueExpired reclaims leases that timed out and re-enqueues their jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) ([]string, error) {
	ids, err := q.moveDue(ctx, q.inflightKey(), limit)
	return ids, errors.Wrap(err, "requeue expired")
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := moveDueScript.Run(ctx, q.client, []string{from},
		q.now().UnixMilli(), limit, q.prefix+":jobmeta:", q.prefix+":ready:", DefaultPriority).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// DequeueWithLease pops a job from ready queues (priority order) and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey())

	res, err := dequeueScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "dequeue")
	}
	jobID, ok := res.(string)
	if !ok {
		return "", errors.Newf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// It never re-creates a lease that was already acked or reclaimed.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	err := q.client.ZAddArgs(ctx, q.inflightKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(q.now().Add(extension).UnixMilli()), Member: jobID}},
	}).Err()
	return errors.Wrapf(err, "extend lease %s", jobID)
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "ack %s", jobID)
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return errors.Wrapf(q.client.RPush(ctx, q.dlqKey, jobID).Err(), "dead-letter %s", jobID)
}

// DLQPeek reads up to count dead-lettered job ids, oldest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		count = 100
	}
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	return ids, errors.Wrap(err, "read dlq")
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "ready depth")
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.inflightKey()).Result()
	return n, errors.Wrap(err, "inflight count")
}

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return errors.Wrap(q.client.Ping(ctx).Err(), "redis ping")
}

var dequeueScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)

// moveDueScript moves members scored at or before now from a sorted set to
// their ready list. ZREM guards against two workers moving the same id.
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local priority = redis.call('HGET', ARGV[3] .. id, 'priority')
    if not priority then
      priority = ARGV[5]
    end
    redis.call('RPUSH', ARGV[4] .. priority, id)
    table.insert(moved, id)
  end
end
return moved
`)
