package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/meterflow/internal/observability"
	"go.uber.org/zap"
)

// HandlerFunc processes one job. A returned error triggers queue-level retry
// with exponential backoff until the job's attempts are exhausted.
type HandlerFunc func(ctx context.Context, job Job) error

// Consumer pulls due jobs and routes them to registered handlers. It drains
// gracefully: an in-flight job always runs to completion before Run returns.
type Consumer struct {
	queue    *Queue
	log      *zap.Logger
	metrics  *observability.Metrics
	handlers map[string]HandlerFunc
	batch    int
}

func NewConsumer(q *Queue, log *zap.Logger, metrics *observability.Metrics) *Consumer {
	return &Consumer{
		queue:    q,
		log:      log.Named("queue.consumer"),
		metrics:  metrics,
		handlers: make(map[string]HandlerFunc),
		batch:    32,
	}
}

func (c *Consumer) Register(jobType string, handler HandlerFunc) {
	c.handlers[jobType] = handler
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.queue.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil {
			c.log.Warn("queue poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes one batch of due jobs.
func (c *Consumer) RunOnce(ctx context.Context) error {
	jobs, err := c.queue.claimDue(ctx, c.batch)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		c.process(job)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

func (c *Consumer) process(job Job) {
	// Detached context: cancellation of the consumer must not abort an
	// in-flight job, only stop intake of new ones.
	ctx, cancel := context.WithTimeout(context.Background(), c.queue.cfg.LeaseTTL)
	defer cancel()

	handler, ok := c.handlers[job.Type]
	if !ok {
		c.log.Error("no handler for job type",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
		)
		_ = c.queue.bury(ctx, job)
		c.recordOutcome(job.Type, "dead")
		return
	}

	err := handler(ctx, job)
	if err == nil {
		if err := c.queue.complete(ctx, job.ID); err != nil {
			c.log.Warn("job completion failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		c.recordOutcome(job.Type, "ok")
		return
	}

	job.Attempts++
	if job.Attempts >= c.queue.cfg.MaxAttempts {
		c.log.Error("job exhausted attempts",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		if buryErr := c.queue.bury(ctx, job); buryErr != nil {
			c.log.Warn("job bury failed", zap.String("job_id", job.ID), zap.Error(buryErr))
		}
		c.recordOutcome(job.Type, "dead")
		return
	}

	c.log.Warn(fmt.Sprintf("job failed, retry %d/%d", job.Attempts, c.queue.cfg.MaxAttempts),
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Error(err),
	)
	if retryErr := c.queue.retry(ctx, job); retryErr != nil {
		c.log.Warn("job retry scheduling failed", zap.String("job_id", job.ID), zap.Error(retryErr))
	}
	c.recordOutcome(job.Type, "retry")
}

func (c *Consumer) recordOutcome(jobType, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncQueueJob(jobType, outcome)
}
