// Package worker folds accepted usage events into per-period counters. It is
// the only writer of usage_counters; the billing writer and reconciler read
// them. Folding is commutative for sum/max and last-write-wins by event
// timestamp, so job reordering and re-delivery are safe.
package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/queue"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Settings *config.WorkerSettingsHolder `optional:"true"`
}

type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	settings *config.WorkerSettingsHolder
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:       p.DB,
		log:      p.Log.Named("aggregation.worker"),
		genID:    p.GenID,
		settings: p.Settings,
	}
}

// HandleJob is the queue handler for aggregate_bucket jobs.
func (w *Worker) HandleJob(ctx context.Context, job queue.Job) error {
	var key aggdomain.JobKey
	if err := json.Unmarshal(job.Payload, &key); err != nil {
		return err
	}
	return w.AggregateBucket(ctx, key)
}

// AggregateBucket drains all accepted events for one bucket into its counter.
func (w *Worker) AggregateBucket(ctx context.Context, key aggdomain.JobKey) error {
	limit := w.batchSize()
	for {
		processed, err := w.processBatch(ctx, key, limit)
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
	}
}

func (w *Worker) batchSize() int {
	if w.settings != nil {
		if size := w.settings.Get().AggregateBatchSize; size > 0 {
			return size
		}
	}
	return 500
}

func (w *Worker) processBatch(ctx context.Context, key aggdomain.JobKey, limit int) (int, error) {
	processed := 0
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events, err := w.claimEvents(ctx, tx, key, limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		counter, err := w.loadCounter(ctx, tx, key)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		foldEvents(counter, events)
		counter.UpdatedAt = now

		if err := tx.Save(counter).Error; err != nil {
			return err
		}

		ids := make([]snowflake.ID, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		if err := tx.Model(&usagedomain.UsageEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     usagedomain.UsageStatusAggregated,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		processed = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if processed > 0 {
		w.log.Debug("aggregated events into counter",
			zap.String("bucket", key.String()),
			zap.Int("events", processed),
		)
	}
	return processed, nil
}

func (w *Worker) claimEvents(ctx context.Context, tx *gorm.DB, key aggdomain.JobKey, limit int) ([]usagedomain.UsageEvent, error) {
	query := `SELECT * FROM usage_events
		 WHERE tenant_id = ? AND metric = ? AND customer_ref = ? AND period_start = ? AND status = ?
		 ORDER BY id
		 LIMIT ?`
	if strings.EqualFold(w.db.Dialector.Name(), "postgres") {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var events []usagedomain.UsageEvent
	err := tx.WithContext(ctx).Raw(
		query,
		key.TenantID,
		key.Metric,
		key.CustomerRef,
		key.PeriodStart.UTC(),
		usagedomain.UsageStatusAccepted,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (w *Worker) loadCounter(ctx context.Context, tx *gorm.DB, key aggdomain.JobKey) (*aggdomain.Counter, error) {
	var counter aggdomain.Counter
	err := tx.WithContext(ctx).
		Where("tenant_id = ? AND metric = ? AND customer_ref = ? AND period_start = ?",
			key.TenantID, key.Metric, key.CustomerRef, key.PeriodStart.UTC()).
		First(&counter).Error
	if err == nil {
		return &counter, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	return &aggdomain.Counter{
		ID:          w.genID.Generate(),
		TenantID:    key.TenantID,
		Metric:      key.Metric,
		CustomerRef: key.CustomerRef,
		PeriodStart: key.PeriodStart.UTC(),
		CreatedAt:   now,
	}, nil
}

func foldEvents(counter *aggdomain.Counter, events []usagedomain.UsageEvent) {
	for _, ev := range events {
		counter.AggSum = counter.AggSum.Add(ev.Quantity)

		if counter.EventCount == 0 || ev.Quantity.GreaterThan(counter.AggMax) {
			counter.AggMax = ev.Quantity
		}

		if counter.EventCount == 0 || ev.Timestamp.After(counter.AggLastEventAt) {
			counter.AggLast = ev.Quantity
			counter.AggLastEventAt = ev.Timestamp.UTC()
		}

		counter.EventCount++
	}
}
