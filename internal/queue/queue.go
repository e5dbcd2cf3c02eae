// Package queue implements the durable delayed job queue backing the
// aggregation, push, and backfill workers. Jobs are identified by a caller
// chosen ID; enqueuing an ID that is already pending is a no-op, which is the
// mechanism that collapses bursts of work for the same bucket into one job.
//
// Delivery is at-least-once: claimed jobs are leased, and a crashed consumer's
// lease expires back onto the ready schedule, so every handler must be
// idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Job is one unit of queued work.
type Job struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

type Config struct {
	Namespace    string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "meterflow"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	return c
}

// claimScript moves up to ARGV[3] due jobs from the ready schedule into the
// leased set and returns their IDs. The move is atomic per script run, so two
// consumers never claim the same job.
const claimScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[3])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("ZADD", KEYS[2], ARGV[2], id)
end
return due
`

// reapScript returns expired leases to the ready schedule.
const reapScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #expired
`

type Queue struct {
	client *redis.Client
	cfg    Config
	log    *zap.Logger

	claim *redis.Script
	reap  *redis.Script
}

func New(client *redis.Client, cfg Config, log *zap.Logger) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg.withDefaults(),
		log:    log.Named("queue"),
		claim:  redis.NewScript(claimScript),
		reap:   redis.NewScript(reapScript),
	}
}

func (q *Queue) readyKey() string  { return q.cfg.Namespace + ":queue:ready" }
func (q *Queue) leasedKey() string { return q.cfg.Namespace + ":queue:leased" }
func (q *Queue) jobsKey() string   { return q.cfg.Namespace + ":queue:jobs" }
func (q *Queue) deadKey() string   { return q.cfg.Namespace + ":queue:dead" }
func (q *Queue) idKey(id string) string {
	return q.cfg.Namespace + ":queue:ids:" + id
}

// Enqueue schedules a job after the given delay. Returns false without error
// when a job with the same ID is already pending.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	if job.ID == "" || job.Type == "" {
		return false, errors.New("queue: job id and type are required")
	}

	ok, err := q.client.SetNX(ctx, q.idKey(job.ID), "1", 0).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobsKey(), job.ID, raw)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyAt, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// PendingCount reports how many jobs are scheduled or leased.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	ready, err := q.client.ZCard(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	leased, err := q.client.ZCard(ctx, q.leasedKey()).Result()
	if err != nil {
		return 0, err
	}
	return ready + leased, nil
}

// DeadCount reports how many jobs exhausted their attempts.
func (q *Queue) DeadCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadKey()).Result()
}

func (q *Queue) claimDue(ctx context.Context, limit int) ([]Job, error) {
	now := time.Now().UnixMilli()
	leaseUntil := time.Now().Add(q.cfg.LeaseTTL).UnixMilli()

	if _, err := q.reap.Run(ctx, q.client,
		[]string{q.leasedKey(), q.readyKey()},
		now,
	).Result(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	res, err := q.claim.Run(ctx, q.client,
		[]string{q.readyKey(), q.leasedKey()},
		now, leaseUntil, limit,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	ids, ok := res.([]interface{})
	if !ok || len(ids) == 0 {
		return nil, nil
	}

	jobs := make([]Job, 0, len(ids))
	for _, v := range ids {
		id := fmt.Sprint(v)
		raw, err := q.client.HGet(ctx, q.jobsKey(), id).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// payload lost; drop the orphaned lease
				q.client.ZRem(ctx, q.leasedKey(), id)
				continue
			}
			return jobs, err
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Warn("discarding undecodable job", zap.String("job_id", id), zap.Error(err))
			q.discard(ctx, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// complete removes a finished job entirely, releasing its ID for reuse.
func (q *Queue) complete(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), id)
	pipe.HDel(ctx, q.jobsKey(), id)
	pipe.Del(ctx, q.idKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// retry reschedules a failed job with exponential backoff.
func (q *Queue) retry(ctx context.Context, job Job) error {
	backoff := q.cfg.RetryBase
	for i := 1; i < job.Attempts; i++ {
		backoff *= 2
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(backoff).UnixMilli())

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), job.ID)
	pipe.HSet(ctx, q.jobsKey(), job.ID, raw)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyAt, Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// bury moves an exhausted job to the dead list and frees its ID.
func (q *Queue) bury(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.deadKey(), raw)
	pipe.ZRem(ctx, q.leasedKey(), job.ID)
	pipe.HDel(ctx, q.jobsKey(), job.ID)
	pipe.Del(ctx, q.idKey(job.ID))
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) discard(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.leasedKey(), id)
	pipe.ZRem(ctx, q.readyKey(), id)
	pipe.HDel(ctx, q.jobsKey(), id)
	pipe.Del(ctx, q.idKey(id))
	_, _ = pipe.Exec(ctx)
}
