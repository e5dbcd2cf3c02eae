package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/observability"
	"github.com/smallbiznis/meterflow/internal/queue"
	"github.com/smallbiznis/meterflow/internal/tenantctx"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Queue    *queue.Queue
	UsageSvc usagedomain.Service
	Config   config.Config
	Metrics  *observability.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	queue    *queue.Queue
	usageSvc usagedomain.Service
	ops      repository.Repository[backfilldomain.Operation]
	maxBytes int64
	metrics  *observability.Metrics
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("backfill.service"),
		genID:    p.GenID,
		queue:    p.Queue,
		usageSvc: p.UsageSvc,
		ops:      repository.ProvideStore[backfilldomain.Operation](p.DB),
		maxBytes: p.Config.Backfill.MaxPayloadBytes,
		metrics:  p.Metrics,
	}
}

// Create validates the payload, persists a pending operation, and enqueues
// its processing job keyed by the operation ID.
func (s *Service) Create(ctx context.Context, req backfilldomain.CreateRequest) (*backfilldomain.Operation, error) {
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok {
		return nil, usagedomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, backfilldomain.ErrInvalidReason
	}

	sourceType, sourceData, err := encodeSource(req)
	if err != nil {
		return nil, err
	}
	if int64(len(sourceData)) > s.maxBytes {
		return nil, backfilldomain.ErrPayloadTooLarge
	}

	now := time.Now().UTC()
	op := &backfilldomain.Operation{
		ID:          s.genID.Generate(),
		OperationID: uuid.NewString(),
		TenantID:    tenantID,
		Metric:      strings.TrimSpace(req.Metric),
		CustomerRef: strings.TrimSpace(req.CustomerRef),
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		SourceType:  sourceType,
		SourceData:  sourceData,
		Reason:      strings.TrimSpace(req.Reason),
		Actor:       strings.TrimSpace(req.Actor),
		Status:      backfilldomain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"operation_id": op.OperationID})
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, queue.Job{
		ID:      op.OperationID,
		Type:    backfilldomain.JobTypeBackfill,
		Payload: payload,
	}, 0); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Service) Get(ctx context.Context, operationID string) (*backfilldomain.Operation, error) {
	op, err := s.ops.FindOne(ctx, &backfilldomain.Operation{OperationID: strings.TrimSpace(operationID)})
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, backfilldomain.ErrOperationMissing
	}
	return op, nil
}

// HandleJob is the queue handler for backfill_process jobs. Replaying an
// operation is idempotent end to end: the events carry deterministic
// ingestion keys, so a retry only produces duplicates.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	var ref struct {
		OperationID string `json:"operation_id"`
	}
	if err := json.Unmarshal(job.Payload, &ref); err != nil {
		return err
	}

	op, err := s.Get(ctx, ref.OperationID)
	if err != nil {
		return err
	}
	switch op.Status {
	case backfilldomain.StatusCompleted, backfilldomain.StatusCancelled:
		return nil
	}

	if err := s.transition(ctx, op, backfilldomain.StatusProcessing, ""); err != nil {
		return err
	}

	events, err := decodeSource(op)
	if err != nil {
		_ = s.transition(ctx, op, backfilldomain.StatusFailed, err.Error())
		s.recordOutcome(string(backfilldomain.StatusFailed))
		return err
	}

	result, err := s.usageSvc.IngestBatch(
		tenantctx.WithTenantID(ctx, op.TenantID),
		usagedomain.BatchRequest{Events: events},
	)
	if err != nil {
		_ = s.transition(ctx, op, backfilldomain.StatusFailed, err.Error())
		s.recordOutcome(string(backfilldomain.StatusFailed))
		return err
	}

	op.Total = len(events)
	op.Accepted = result.Accepted
	op.Duplicates = result.Duplicates
	if err := s.transition(ctx, op, backfilldomain.StatusCompleted, ""); err != nil {
		return err
	}
	s.recordOutcome(string(backfilldomain.StatusCompleted))

	s.log.Info("backfill completed",
		zap.String("operation_id", op.OperationID),
		zap.Int("total", op.Total),
		zap.Int("accepted", op.Accepted),
		zap.Int("duplicates", op.Duplicates),
	)
	return nil
}

func (s *Service) transition(ctx context.Context, op *backfilldomain.Operation, status backfilldomain.OperationStatus, errMsg string) error {
	op.Status = status
	op.Error = errMsg
	op.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&backfilldomain.Operation{}).
		Where("operation_id = ?", op.OperationID).
		Updates(map[string]any{
			"status":     status,
			"error":      errMsg,
			"total":      op.Total,
			"accepted":   op.Accepted,
			"duplicates": op.Duplicates,
			"updated_at": op.UpdatedAt,
		}).Error
}

func (s *Service) recordOutcome(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncBackfillOp(status)
}

func encodeSource(req backfilldomain.CreateRequest) (backfilldomain.SourceType, string, error) {
	hasEvents := len(req.Events) > 0
	hasCSV := strings.TrimSpace(req.CSVData) != ""
	switch {
	case hasEvents && hasCSV:
		return "", "", backfilldomain.ErrEmptyPayload
	case hasEvents:
		raw, err := json.Marshal(req.Events)
		if err != nil {
			return "", "", err
		}
		return backfilldomain.SourceInline, string(raw), nil
	case hasCSV:
		return backfilldomain.SourceCSV, req.CSVData, nil
	default:
		return "", "", backfilldomain.ErrEmptyPayload
	}
}

func decodeSource(op *backfilldomain.Operation) ([]usagedomain.EventInput, error) {
	switch op.SourceType {
	case backfilldomain.SourceInline:
		var events []usagedomain.EventInput
		if err := json.Unmarshal([]byte(op.SourceData), &events); err != nil {
			return nil, err
		}
		return events, nil
	case backfilldomain.SourceCSV:
		return parseCSV(op.SourceData)
	default:
		return nil, fmt.Errorf("unknown source type %q", op.SourceType)
	}
}

// parseCSV reads delimited backfill rows. Expected header:
// metric,customer_ref,quantity,timestamp[,resource_id][,source][,idempotency_key]
func parseCSV(data string) ([]usagedomain.EventInput, error) {
	reader := csv.NewReader(strings.NewReader(data))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, backfilldomain.ErrEmptyPayload
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"metric", "customer_ref", "quantity", "timestamp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", required)
		}
	}

	field := func(row []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	events := make([]usagedomain.EventInput, 0, len(records)-1)
	for i, row := range records[1:] {
		quantity, err := decimal.NewFromString(field(row, "quantity"))
		if err != nil {
			return nil, fmt.Errorf("csv row %d: invalid quantity: %w", i+1, err)
		}
		ts, err := time.Parse(time.RFC3339, field(row, "timestamp"))
		if err != nil {
			return nil, fmt.Errorf("csv row %d: invalid timestamp: %w", i+1, err)
		}
		events = append(events, usagedomain.EventInput{
			Metric:         field(row, "metric"),
			CustomerRef:    field(row, "customer_ref"),
			ResourceID:     field(row, "resource_id"),
			Quantity:       quantity,
			Timestamp:      ts,
			Source:         field(row, "source"),
			IdempotencyKey: field(row, "idempotency_key"),
		})
	}
	return events, nil
}
