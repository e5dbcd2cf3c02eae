// Package service implements the reconciler worker: it recomputes local
// totals from counters, fetches the provider's view of the same subscription
// items, and appends drift reports.
package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	billingdomain "github.com/smallbiznis/meterflow/internal/billing/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/ratelimit"
	recondomain "github.com/smallbiznis/meterflow/internal/reconcile/domain"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type triggerRequest struct {
	tenantID string
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Counters aggdomain.CounterStore
	Mappings mappingdomain.Repository
	Driver   billingdomain.Driver
	Config   config.Config
	Metrics  *observability.Metrics       `optional:"true"`
	Settings *config.WorkerSettingsHolder `optional:"true"`
	Locker   *ratelimit.Locker            `optional:"true"`
}

type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	counters aggdomain.CounterStore
	mappings mappingdomain.Repository
	driver   billingdomain.Driver
	reports  repository.Repository[recondomain.ReconciliationReport]
	cfg      config.ReconcileConfig
	mode     billingdomain.Mode
	metrics  *observability.Metrics
	settings *config.WorkerSettingsHolder
	locker   *ratelimit.Locker

	inFlight atomic.Bool
	triggers chan triggerRequest
}

const (
	runLockKey = "reconcile:run:lock"
	runLockTTL = 5 * time.Minute
)

func NewWorker(p Params) *Worker {
	mode := billingdomain.ModeLive
	if p.Config.Stripe.LiveSecretKey == "" && p.Config.Stripe.TestSecretKey != "" {
		mode = billingdomain.ModeTest
	}
	return &Worker{
		db:       p.DB,
		log:      p.Log.Named("reconcile.worker"),
		genID:    p.GenID,
		counters: p.Counters,
		mappings: p.Mappings,
		driver:   p.Driver,
		reports:  repository.ProvideStore[recondomain.ReconciliationReport](p.DB),
		cfg:      p.Config.Reconcile,
		mode:     mode,
		metrics:  p.Metrics,
		settings: p.Settings,
		locker:   p.Locker,
		triggers: make(chan triggerRequest, 1),
	}
}

// Trigger schedules an immediate run. A run already in flight is never
// doubled inside one process; concurrent runs across processes are tolerated
// because reports are append-only.
func (w *Worker) Trigger(tenantID string) bool {
	select {
	case w.triggers <- triggerRequest{tenantID: tenantID}:
		return true
	default:
		return false
	}
}

// RunForever runs the periodic schedule and serves on-demand triggers.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.triggers:
			w.run(ctx, req.tenantID)
		case <-ticker.C:
			w.run(ctx, "")
		}
	}
}

func (w *Worker) run(ctx context.Context, tenantID string) {
	if !w.inFlight.CompareAndSwap(false, true) {
		w.log.Debug("reconciliation already running, skipping")
		return
	}
	defer w.inFlight.Store(false)

	// Cross-process coordination is best effort: when the lock service is
	// down we still run, because reports are append-only and a doubled run
	// only costs extra rows.
	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, runLockKey, runLockTTL)
		if err == nil && !ok {
			w.log.Debug("reconciliation running elsewhere, skipping")
			return
		}
		if err == nil {
			defer func() { _ = w.locker.Release(ctx, runLockKey, token) }()
		}
	}

	period := usagedomain.TruncateToPeriod(time.Now())
	if err := w.RunOnce(ctx, tenantID, period); err != nil {
		w.log.Warn("reconciliation run failed", zap.Error(err))
		w.recordRun("error")
		return
	}
	w.recordRun("ok")
}

// RunOnce reconciles every active mapping (optionally one tenant's) for the
// given period and appends one report per mapping.
func (w *Worker) RunOnce(ctx context.Context, tenantID string, period time.Time) error {
	var (
		mappings []mappingdomain.PriceMapping
		err      error
	)
	if tenantID == "" {
		mappings, err = w.mappings.ListActive(ctx)
	} else {
		mappings, err = w.mappings.ListActiveByTenant(ctx, tenantID)
	}
	if err != nil {
		return err
	}

	period = usagedomain.TruncateToPeriod(period)
	for _, mapping := range mappings {
		if err := w.reconcileMapping(ctx, mapping, period); err != nil {
			w.log.Warn("mapping reconciliation failed",
				zap.Error(err),
				zap.String("tenant_id", mapping.TenantID),
				zap.String("metric", mapping.Metric),
			)
			return err
		}
	}
	return nil
}

func (w *Worker) reconcileMapping(ctx context.Context, mapping mappingdomain.PriceMapping, period time.Time) error {
	counters, err := w.counters.ListForPeriod(ctx, mapping.TenantID, mapping.Metric, period)
	if err != nil {
		return err
	}

	localTotal := aggdomain.Reduce(counters, mapping.Aggregation)

	providerTotal, err := w.providerTotal(ctx, mapping, localTotal)
	if err != nil {
		return err
	}

	diff := providerTotal.Sub(localTotal)
	diffPct := float64(0)
	if !localTotal.IsZero() {
		pct, _ := diff.Div(localTotal).Mul(decimal.NewFromInt(100)).Float64()
		diffPct = pct
	}

	report := &recondomain.ReconciliationReport{
		ID:            w.genID.Generate(),
		TenantID:      mapping.TenantID,
		Metric:        mapping.Metric,
		PeriodStart:   period,
		LocalTotal:    localTotal,
		ProviderTotal: providerTotal,
		Diff:          diff,
		DiffPct:       diffPct,
		CreatedAt:     time.Now().UTC(),
	}
	return w.reports.Create(ctx, report)
}

// providerTotal fetches the provider's view, or synthesizes it in fake mode.
// Fake mode is an explicit construction-time flag; when unset the driver
// path is taken unconditionally.
func (w *Worker) providerTotal(ctx context.Context, mapping mappingdomain.PriceMapping, localTotal decimal.Decimal) (decimal.Decimal, error) {
	if w.cfg.FakeMode {
		factor := decimal.NewFromFloat(1 - w.cfg.FakeDrift)
		return localTotal.Mul(factor), nil
	}

	total, err := w.driver.GetUsageSummary(ctx, billingdomain.UsageSummaryRequest{
		Account:            mapping.Account,
		SubscriptionItemID: mapping.SubscriptionItemID,
		Mode:               w.mode,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(total), nil
}

// ListReports pages newest-first with an opaque cursor so a tenant can walk
// an unbounded report history without offset scans.
func (w *Worker) ListReports(ctx context.Context, req recondomain.ListReportsRequest) ([]recondomain.ReconciliationReport, *pagination.PageInfo, error) {
	limit := req.PageSize
	if limit <= 0 {
		limit = w.pageLimit()
	}

	query := w.db.WithContext(ctx).
		Model(&recondomain.ReconciliationReport{}).
		Where("tenant_id = ?", req.TenantID)
	if req.PeriodStart != nil {
		query = query.Where("period_start = ?", usagedomain.TruncateToPeriod(*req.PeriodStart))
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return nil, nil, err
		}
		before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return nil, nil, err
		}
		query = query.Where("created_at < ?", before)
	}

	var rows []*recondomain.ReconciliationReport
	if err := query.
		Order("created_at DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(rows, limit, func(row *recondomain.ReconciliationReport) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	reports := make([]recondomain.ReconciliationReport, 0, len(rows))
	for _, row := range rows {
		reports = append(reports, *row)
	}
	return reports, pageInfo, nil
}

func (w *Worker) interval() time.Duration {
	if w.settings != nil {
		if iv := w.settings.Get().ReconcileInterval; iv > 0 {
			return iv
		}
	}
	if w.cfg.Interval > 0 {
		return w.cfg.Interval
	}
	return time.Hour
}

func (w *Worker) pageLimit() int {
	if w.settings != nil {
		if limit := w.settings.Get().ReconcilePageLimit; limit > 0 {
			return limit
		}
	}
	return 500
}

func (w *Worker) recordRun(outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.IncReconcileRun(outcome)
}
