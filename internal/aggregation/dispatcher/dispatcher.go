// Package dispatcher schedules aggregation passes. It performs no
// aggregation itself; queue-level job-id dedup guarantees at most one pending
// pass per bucket.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/queue"
	"go.uber.org/zap"
)

type Dispatcher struct {
	queue *queue.Queue
	delay time.Duration
	log   *zap.Logger
}

func New(q *queue.Queue, cfg config.Config, log *zap.Logger) aggdomain.Dispatcher {
	return &Dispatcher{
		queue: q,
		delay: cfg.Queue.BatchDelay,
		log:   log.Named("aggregation.dispatcher"),
	}
}

// Dispatch enqueues one job per bucket key with the batching delay. The delay
// absorbs bursts of events for the same bucket into a single pass; an enqueue
// for an already-pending bucket is a no-op at the queue layer.
func (d *Dispatcher) Dispatch(ctx context.Context, keys []aggdomain.JobKey) error {
	for _, key := range keys {
		payload, err := json.Marshal(key)
		if err != nil {
			return err
		}
		enqueued, err := d.queue.Enqueue(ctx, queue.Job{
			ID:      key.String(),
			Type:    aggdomain.JobTypeAggregate,
			Payload: payload,
		}, d.delay)
		if err != nil {
			return err
		}
		if !enqueued {
			d.log.Debug("aggregation job already pending", zap.String("job_id", key.String()))
		}
	}
	return nil
}
