// Package writer pushes aggregated counters to the billing provider. All
// effect-safety lives in the deterministic push idempotency key: any number
// of retries for the same computed quantity collapse into one provider-side
// write.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	billingdomain "github.com/smallbiznis/meterflow/internal/billing/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/queue"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobTypePush is the queue job type consumed by this worker.
const JobTypePush = "push_usage"

// PushRequest identifies one mapping-period push. Mode always travels with
// the request.
type PushRequest struct {
	TenantID    string             `json:"tenant_id"`
	Metric      string             `json:"metric"`
	PeriodStart time.Time          `json:"period_start"`
	Mode        billingdomain.Mode `json:"mode"`
}

func (r PushRequest) JobID() string {
	return fmt.Sprintf("push-job:%s:%s:%s", r.TenantID, r.Metric, r.PeriodStart.UTC().Format("2006-01-02"))
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Counters aggdomain.CounterStore
	Mappings mappingdomain.Repository
	Driver   billingdomain.Driver
	Queue    *queue.Queue
	Config   config.Config
	Metrics  *observability.Metrics       `optional:"true"`
	Settings *config.WorkerSettingsHolder `optional:"true"`
}

type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	counters aggdomain.CounterStore
	mappings mappingdomain.Repository
	driver   billingdomain.Driver
	queue    *queue.Queue
	mode     billingdomain.Mode
	metrics  *observability.Metrics
	settings *config.WorkerSettingsHolder
}

func NewWorker(p Params) *Worker {
	mode := billingdomain.ModeLive
	if p.Config.Stripe.LiveSecretKey == "" && p.Config.Stripe.TestSecretKey != "" {
		mode = billingdomain.ModeTest
	}
	return &Worker{
		db:       p.DB,
		log:      p.Log.Named("billing.writer"),
		genID:    p.GenID,
		counters: p.Counters,
		mappings: p.Mappings,
		driver:   p.Driver,
		queue:    p.Queue,
		mode:     mode,
		metrics:  p.Metrics,
		settings: p.Settings,
	}
}

// HandleJob is the queue handler for push_usage jobs.
func (w *Worker) HandleJob(ctx context.Context, job queue.Job) error {
	var req PushRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return err
	}
	return w.Push(ctx, req)
}

// Push computes the authoritative quantity for one mapping-period and
// records it at the provider. Provider errors propagate to the job runner;
// the queue's retry policy owns re-execution.
func (w *Worker) Push(ctx context.Context, req PushRequest) error {
	mapping, err := w.mappings.GetActive(ctx, req.TenantID, req.Metric)
	if err != nil {
		return err
	}

	period := usagedomain.TruncateToPeriod(req.PeriodStart)
	counters, err := w.counters.ListForPeriod(ctx, req.TenantID, req.Metric, period)
	if err != nil {
		return err
	}
	if len(counters) == 0 {
		w.log.Debug("no counters for push",
			zap.String("tenant_id", req.TenantID),
			zap.String("metric", req.Metric),
		)
		return nil
	}

	quantity := aggdomain.Reduce(counters, mapping.Aggregation)
	pushKey := billingdomain.PushIdempotencyKey(req.TenantID, mapping.SubscriptionItemID, period, quantity)

	record := &billingdomain.PushRecord{
		ID:                 w.genID.Generate(),
		TenantID:           req.TenantID,
		Metric:             req.Metric,
		SubscriptionItemID: mapping.SubscriptionItemID,
		PeriodStart:        period,
		Quantity:           quantity,
		IdempotencyKey:     pushKey,
		Mode:               req.Mode,
		Shadow:             mapping.Shadow,
		CreatedAt:          time.Now().UTC(),
	}

	if mapping.Shadow {
		w.log.Info("shadow push computed",
			zap.String("tenant_id", req.TenantID),
			zap.String("metric", req.Metric),
			zap.String("push_key", pushKey),
			zap.String("quantity", quantity.StringFixed(6)),
		)
		w.recordPush(req.TenantID, "shadow")
		return w.insertRecord(ctx, record)
	}

	resp, err := w.driver.RecordUsage(ctx, billingdomain.RecordUsageRequest{
		Account:            mapping.Account,
		SubscriptionItemID: mapping.SubscriptionItemID,
		PeriodStart:        period,
		Quantity:           quantity,
		IdempotencyKey:     pushKey,
		Mode:               req.Mode,
	})
	if err != nil {
		w.recordPush(req.TenantID, "error")
		return err
	}

	record.ProviderRecordID = resp.ProviderRecordID
	w.recordPush(req.TenantID, "ok")
	return w.insertRecord(ctx, record)
}

// insertRecord appends the audit row; re-pushing an identical quantity for
// the same period reuses the key and is a no-op.
func (w *Worker) insertRecord(ctx context.Context, record *billingdomain.PushRecord) error {
	return w.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record).Error
}

// RunForever periodically sweeps active mappings and enqueues one push job
// per mapping for the current period. Queue-level job-id dedup keeps the
// sweep idempotent across fleet instances.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	for {
		if err := w.EnqueueSweep(ctx, time.Now().UTC()); err != nil {
			w.log.Warn("push sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// EnqueueSweep schedules push jobs for every active mapping for the period
// containing now. Shadow mappings are swept too; the push itself decides
// whether the provider is called.
func (w *Worker) EnqueueSweep(ctx context.Context, now time.Time) error {
	mappings, err := w.mappings.ListActive(ctx)
	if err != nil {
		return err
	}

	period := usagedomain.TruncateToPeriod(now)
	for _, mapping := range mappings {
		req := PushRequest{
			TenantID:    mapping.TenantID,
			Metric:      mapping.Metric,
			PeriodStart: period,
			Mode:        w.mode,
		}
		payload, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if _, err := w.queue.Enqueue(ctx, queue.Job{
			ID:      req.JobID(),
			Type:    JobTypePush,
			Payload: payload,
		}, 0); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) interval() time.Duration {
	if w.settings != nil {
		if iv := w.settings.Get().WriterInterval; iv > 0 {
			return iv
		}
	}
	return 15 * time.Minute
}

func (w *Worker) recordPush(tenant, outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.IncPush(tenant, outcome)
}
