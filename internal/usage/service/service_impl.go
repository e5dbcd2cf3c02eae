package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/tenantctx"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Dispatcher aggdomain.Dispatcher
	Metrics    *observability.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	dispatcher aggdomain.Dispatcher
	metrics    *observability.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		dispatcher: p.Dispatcher,
		metrics:    p.Metrics,
	}
}

// IngestBatch validates and persists a batch of candidate events. Duplicates
// are partitioned out by the unique (tenant, idempotency key) constraint and
// reported as status "duplicate", never as errors. Exactly one aggregation
// job key is emitted per bucket that received a newly inserted event.
func (s *Service) IngestBatch(ctx context.Context, req usagedomain.BatchRequest) (usagedomain.BatchResult, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok {
		return usagedomain.BatchResult{}, usagedomain.ErrInvalidTenant
	}
	if len(req.Events) == 0 {
		return usagedomain.BatchResult{}, usagedomain.ErrEmptyBatch
	}

	result := usagedomain.BatchResult{
		RequestID: uuid.NewString(),
		Results:   make([]usagedomain.EventResult, 0, len(req.Events)),
	}

	now := time.Now().UTC()
	headerKey := strings.TrimSpace(req.HeaderKey)
	buckets := make(map[string]aggdomain.JobKey)

	for i, in := range req.Events {
		res := usagedomain.EventResult{Index: i}

		if err := validateEvent(in, tenantID, now); err != nil {
			res.Status = usagedomain.EventStatusError
			res.Error = err.Error()
			result.Results = append(result.Results, res)
			s.recordOutcome(tenantID, in.Metric, string(usagedomain.EventStatusError))
			continue
		}

		key := resolveIdempotencyKey(in, headerKey, tenantID)
		res.IdempotencyKey = key

		record := &usagedomain.UsageEvent{
			ID:             s.genID.Generate(),
			TenantID:       tenantID,
			Metric:         strings.TrimSpace(in.Metric),
			CustomerRef:    strings.TrimSpace(in.CustomerRef),
			ResourceID:     strings.TrimSpace(in.ResourceID),
			Quantity:       in.Quantity,
			Timestamp:      in.Timestamp.UTC(),
			PeriodStart:    usagedomain.TruncateToPeriod(in.Timestamp),
			Source:         strings.TrimSpace(in.Source),
			IdempotencyKey: key,
			Status:         usagedomain.UsageStatusAccepted,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if in.Meta != nil {
			record.Meta = datatypes.JSONMap(in.Meta)
		}

		inserted, err := s.insertEvent(ctx, record)
		if err != nil {
			s.log.Warn("usage event insert failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID),
				zap.String("idempotency_key", key),
			)
			res.Status = usagedomain.EventStatusError
			res.Error = "persistence_error"
			result.Results = append(result.Results, res)
			s.recordOutcome(tenantID, record.Metric, string(usagedomain.EventStatusError))
			continue
		}

		if inserted {
			res.Status = usagedomain.EventStatusAccepted
			result.Accepted++
			jobKey := aggdomain.JobKey{
				TenantID:    record.TenantID,
				Metric:      record.Metric,
				CustomerRef: record.CustomerRef,
				PeriodStart: record.PeriodStart,
			}
			buckets[jobKey.String()] = jobKey
		} else {
			res.Status = usagedomain.EventStatusDuplicate
			result.Duplicates++
		}
		result.Results = append(result.Results, res)
		s.recordOutcome(tenantID, record.Metric, string(res.Status))
	}

	if len(buckets) > 0 {
		keys := make([]aggdomain.JobKey, 0, len(buckets))
		for _, k := range buckets {
			keys = append(keys, k)
		}
		if err := s.dispatcher.Dispatch(ctx, keys); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *Service) insertEvent(ctx context.Context, record *usagedomain.UsageEvent) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) recordOutcome(tenant, metric, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncIngestEvent(tenant, strings.TrimSpace(metric), status)
}

// resolveIdempotencyKey applies the precedence rule: event-level key, then
// the request-level header key, then the derived key.
func resolveIdempotencyKey(in usagedomain.EventInput, headerKey, tenantID string) string {
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		return key
	}
	if headerKey != "" {
		return headerKey
	}
	return usagedomain.DeriveIdempotencyKey(tenantID, in.Metric, in.CustomerRef, in.ResourceID, in.Timestamp)
}

func validateEvent(in usagedomain.EventInput, tenantID string, now time.Time) error {
	if declared := strings.TrimSpace(in.TenantID); declared != "" && declared != tenantID {
		return usagedomain.ErrTenantMismatch
	}
	if strings.TrimSpace(in.Metric) == "" {
		return usagedomain.ErrInvalidMetric
	}
	if strings.TrimSpace(in.CustomerRef) == "" {
		return usagedomain.ErrInvalidCustomer
	}
	if in.Timestamp.IsZero() {
		return usagedomain.ErrInvalidTimestamp
	}
	if in.Timestamp.UTC().After(now.Add(usagedomain.MaxFutureSkew)) {
		return usagedomain.ErrFutureTimestamp
	}
	return nil
}
