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
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/queue"
)

const (
	queuePrefix  = "courier:queue:"
	jobPrefix    = queuePrefix + "job:"
	scheduledKey = queuePrefix + "scheduled"
	activeKey    = queuePrefix + "active"
	failedKey    = queuePrefix + "failed"

	reapBatch = 100
)

// Each job is a hash (data, attempts, lease, pending, last_error) plus membership in
// exactly one of three sorted sets: scheduled (score = due time), active
// (score = lease expiry) or failed (score = failure time). Scores are unix millis.

// KEYS: job, scheduled, active, failed. ARGV: id, data, dueAt, onlyIfAbsent.
// Returns 0 skipped, 1 scheduled, 2 parked behind the running attempt.
var enqueueScript = redis.NewScript(`
local queued = redis.call('ZSCORE', KEYS[2], ARGV[1])
local active = redis.call('ZSCORE', KEYS[3], ARGV[1])
if ARGV[4] == '1' and (queued or active) then
	return 0
end
if active then
	redis.call('HSET', KEYS[1], 'pending', ARGV[2])
	return 2
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'attempts', 0)
redis.call('HDEL', KEYS[1], 'pending', 'lease', 'last_error')
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: scheduled, active. ARGV: now, leaseUntil, jobPrefix, token.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local key = ARGV[3] .. id
local data = redis.call('HGET', key, 'data')
if not data then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'lease', ARGV[4])
return {id, data, attempts}
`)

// KEYS: job, scheduled, active. ARGV: id, token, now.
// Returns -1 lease lost, 0 done, 2 re-armed with the pending payload.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
	return -1
end
redis.call('ZREM', KEYS[3], ARGV[1])
local pending = redis.call('HGET', KEYS[1], 'pending')
if pending then
	redis.call('HSET', KEYS[1], 'data', pending, 'attempts', 0)
	redis.call('HDEL', KEYS[1], 'pending', 'lease')
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 2
end
redis.call('DEL', KEYS[1])
return 0
`)

// KEYS: job, scheduled, active, failed. ARGV: id, token, now, retryAt, maxAttempts, error, bury.
// Returns -1 lease lost, 0 terminal, 1 retry scheduled, 2 re-armed with the pending payload.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
	return -1
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('HSET', KEYS[1], 'last_error', ARGV[6])
local pending = redis.call('HGET', KEYS[1], 'pending')
if pending then
	redis.call('HSET', KEYS[1], 'data', pending, 'attempts', 0)
	redis.call('HDEL', KEYS[1], 'pending')
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 2
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if ARGV[7] == '1' or attempts >= tonumber(ARGV[5]) then
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// KEYS: active, scheduled, failed. ARGV: now, jobPrefix, maxAttempts, batch.
// Returns the number requeued followed by the ids parked as exhausted.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local requeued = 0
local exhausted = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[2] .. id
	redis.call('HDEL', key, 'lease')
	local pending = redis.call('HGET', key, 'pending')
	if pending then
		redis.call('HSET', key, 'data', pending, 'attempts', 0)
		redis.call('HDEL', key, 'pending')
		redis.call('ZADD', KEYS[2], ARGV[1], id)
		requeued = requeued + 1
	elseif tonumber(redis.call('HGET', key, 'attempts') or '0') >= tonumber(ARGV[3]) then
		redis.call('HSET', key, 'last_error', 'lease expired')
		redis.call('ZADD', KEYS[3], ARGV[1], id)
		table.insert(exhausted, id)
	else
		redis.call('ZADD', KEYS[2], ARGV[1], id)
		requeued = requeued + 1
	end
end
local out = {requeued}
for _, id in ipairs(exhausted) do
	table.insert(out, id)
end
return out
`)

// JobQueue is the Redis-backed delivery queue.
type JobQueue struct {
	client *Client
	cfg    queue.Config
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ queue.Queue  = (*JobQueue)(nil)
	_ queue.Reaper = (*JobQueue)(nil)
)

// NewJobQueue creates a queue with the given retry policy.
func NewJobQueue(client *Client, cfg queue.Config, logger *zap.Logger) *JobQueue {
	return &JobQueue{
		client: client,
		cfg:    cfg.WithDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

func jobKey(id string) string {
	return jobPrefix + id
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue schedules job for immediate delivery, replacing any queued job with the same id.
func (q *JobQueue) Enqueue(ctx context.Context, job queue.Job) error {
	_, err := q.enqueue(ctx, job, false)
	return err
}

// EnqueueIfAbsent schedules job unless a job with the same id is queued or running.
func (q *JobQueue) EnqueueIfAbsent(ctx context.Context, job queue.Job) (bool, error) {
	res, err := q.enqueue(ctx, job, true)
	if err != nil {
		return false, err
	}
	return res != 0, nil
}

func (q *JobQueue) enqueue(ctx context.Context, job queue.Job, onlyIfAbsent bool) (int64, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal job: %w", err)
	}

	id := job.NotificationID.String()
	flag := "0"
	if onlyIfAbsent {
		flag = "1"
	}

	res, err := enqueueScript.Run(ctx, q.client.rdb,
		[]string{jobKey(id), scheduledKey, activeKey, failedKey},
		id, data, millis(q.now()), flag,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued",
		zap.String("notification_id", id),
		zap.String("channel", string(job.Channel)),
		zap.Int64("result", res),
	)
	return res, nil
}

// Claim leases the next due job to the caller.
func (q *JobQueue) Claim(ctx context.Context) (*queue.Delivery, error) {
	now := q.now()
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, q.client.rdb,
		[]string{scheduledKey, activeKey},
		millis(now), millis(now.Add(q.cfg.Lease)), jobPrefix, token,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("claim job: unexpected reply %v", res)
	}

	data, _ := res[1].(string)
	attempts, _ := res[2].(int64)

	var job queue.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %v: %w", res[0], err)
	}

	return &queue.Delivery{Job: job, Attempt: int(attempts), Receipt: token}, nil
}

// Complete removes a successfully delivered job.
func (q *JobQueue) Complete(ctx context.Context, d *queue.Delivery) error {
	id := d.Job.NotificationID.String()
	res, err := completeScript.Run(ctx, q.client.rdb,
		[]string{jobKey(id), scheduledKey, activeKey},
		id, d.Receipt, millis(q.now()),
	).Int64()
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if res < 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt and schedules the next one with exponential backoff.
func (q *JobQueue) Fail(ctx context.Context, d *queue.Delivery, cause error) (bool, error) {
	return q.fail(ctx, d, cause, false)
}

// Bury moves the job straight to the failed set.
func (q *JobQueue) Bury(ctx context.Context, d *queue.Delivery, cause error) error {
	_, err := q.fail(ctx, d, cause, true)
	return err
}

func (q *JobQueue) fail(ctx context.Context, d *queue.Delivery, cause error, bury bool) (bool, error) {
	id := d.Job.NotificationID.String()
	now := q.now()
	retryAt := now.Add(q.cfg.Backoff(d.Attempt))

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	flag := "0"
	if bury {
		flag = "1"
	}

	res, err := failScript.Run(ctx, q.client.rdb,
		[]string{jobKey(id), scheduledKey, activeKey, failedKey},
		id, d.Receipt, millis(now), millis(retryAt), q.cfg.MaxAttempts, msg, flag,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}

	switch res {
	case -1:
		return false, queue.ErrLeaseLost
	case 0:
		return true, nil
	case 1:
		q.logger.Debug("job retry scheduled",
			zap.String("notification_id", id),
			zap.Int("attempt", d.Attempt),
			zap.Time("retry_at", retryAt),
		)
	}
	return false, nil
}

// ReapExpired returns jobs whose lease ran out to the scheduled set. A lease
// that expired on the final attempt is parked in the failed set and reported
// in Exhausted.
func (q *JobQueue) ReapExpired(ctx context.Context) (queue.ReapResult, error) {
	raw, err := reapScript.Run(ctx, q.client.rdb,
		[]string{activeKey, scheduledKey, failedKey},
		millis(q.now()), jobPrefix, q.cfg.MaxAttempts, reapBatch,
	).Slice()
	if err != nil {
		return queue.ReapResult{}, fmt.Errorf("reap expired jobs: %w", err)
	}

	var res queue.ReapResult
	if len(raw) > 0 {
		if n, ok := raw[0].(int64); ok {
			res.Requeued = int(n)
		}
	}
	for _, v := range raw[min(1, len(raw)):] {
		s, _ := v.(string)
		id, err := uuid.Parse(s)
		if err != nil {
			q.logger.Warn("skipping malformed job id in failed set", zap.String("id", s))
			continue
		}
		res.Exhausted = append(res.Exhausted, id)
	}

	if res.Requeued > 0 || len(res.Exhausted) > 0 {
		q.logger.Warn("reclaimed jobs with expired leases",
			zap.Int("requeued", res.Requeued),
			zap.Int("exhausted", len(res.Exhausted)),
		)
	}
	return res, nil
}

// Stats reports the size of each job set.
func (q *JobQueue) Stats(ctx context.Context) (queue.Stats, error) {
	pipe := q.client.rdb.Pipeline()
	scheduled := pipe.ZCard(ctx, scheduledKey)
	active := pipe.ZCard(ctx, activeKey)
	failed := pipe.ZCard(ctx, failedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return queue.Stats{
		Scheduled: scheduled.Val(),
		Active:    active.Val(),
		Failed:    failed.Val(),
	}, nil
}
