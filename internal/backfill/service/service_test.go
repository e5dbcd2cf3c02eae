package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	backfilldomain "github.com/smallbiznis/meterflow/internal/backfill/domain"
	"github.com/smallbiznis/meterflow/internal/queue"
	"github.com/smallbiznis/meterflow/internal/tenantctx"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	usageservice "github.com/smallbiznis/meterflow/internal/usage/service"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, []aggdomain.JobKey) error { return nil }

func newTestService(t *testing.T, name string, maxBytes int64) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&usagedomain.UsageEvent{}, &backfilldomain.Operation{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Dispatcher: noopDispatcher{},
	})

	return &Service{
		db:       db,
		log:      zap.NewNop(),
		genID:    node,
		queue:    queue.New(client, queue.Config{}, zap.NewNop()),
		usageSvc: usageSvc,
		ops:      repository.ProvideStore[backfilldomain.Operation](db),
		maxBytes: maxBytes,
	}, db
}

func tenantCtx() context.Context {
	return tenantctx.WithTenantID(context.Background(), "tenant-a")
}

func backfillEvents(n int) []usagedomain.EventInput {
	base := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	events := make([]usagedomain.EventInput, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, usagedomain.EventInput{
			Metric:      "api_calls",
			CustomerRef: "cust-1",
			Quantity:    decimal.NewFromInt(int64(10 + i)),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	return events
}

func runJob(t *testing.T, s *Service, op *backfilldomain.Operation) error {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"operation_id": op.OperationID})
	require.NoError(t, err)
	return s.HandleJob(context.Background(), queue.Job{
		ID:      op.OperationID,
		Type:    backfilldomain.JobTypeBackfill,
		Payload: payload,
	})
}

func TestCreate_ValidatesRequest(t *testing.T) {
	s, _ := newTestService(t, "backfill_validate", 1<<20)

	_, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Events: backfillEvents(1),
	})
	assert.ErrorIs(t, err, backfilldomain.ErrInvalidReason)

	_, err = s.Create(tenantCtx(), backfilldomain.CreateRequest{Reason: "missed events"})
	assert.ErrorIs(t, err, backfilldomain.ErrEmptyPayload)

	_, err = s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason:  "missed events",
		Events:  backfillEvents(1),
		CSVData: "metric,customer_ref,quantity,timestamp\n",
	})
	assert.ErrorIs(t, err, backfilldomain.ErrEmptyPayload)

	_, err = s.Create(context.Background(), backfilldomain.CreateRequest{
		Reason: "missed events",
		Events: backfillEvents(1),
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidTenant)
}

func TestCreate_RejectsOversizedPayload(t *testing.T) {
	s, _ := newTestService(t, "backfill_size", 64)

	_, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason: "missed events",
		Events: backfillEvents(10),
	})
	assert.ErrorIs(t, err, backfilldomain.ErrPayloadTooLarge)
}

func TestCreate_EnqueuesProcessingJob(t *testing.T) {
	s, _ := newTestService(t, "backfill_enqueue", 1<<20)

	op, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason: "missed events",
		Events: backfillEvents(2),
	})
	require.NoError(t, err)
	assert.Equal(t, backfilldomain.StatusPending, op.Status)
	assert.NotEmpty(t, op.OperationID)

	pending, err := s.queue.PendingCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestHandleJob_InlineLifecycle(t *testing.T) {
	s, db := newTestService(t, "backfill_inline", 1<<20)

	op, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason: "missed events",
		Events: backfillEvents(2),
	})
	require.NoError(t, err)

	require.NoError(t, runJob(t, s, op))

	got, err := s.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, backfilldomain.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, 2, got.Accepted)
	assert.Zero(t, got.Duplicates)

	var events int64
	db.Model(&usagedomain.UsageEvent{}).Count(&events)
	assert.EqualValues(t, 2, events)

	// Redelivery of a completed operation is a no-op.
	require.NoError(t, runJob(t, s, op))
	got, err = s.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Accepted)
}

func TestHandleJob_ReplayDedupesThroughIngestion(t *testing.T) {
	s, _ := newTestService(t, "backfill_replay", 1<<20)

	first, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason: "missed events",
		Events: backfillEvents(2),
	})
	require.NoError(t, err)
	require.NoError(t, runJob(t, s, first))

	// A second operation replaying the same events only produces duplicates.
	second, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason: "replay after incident",
		Events: backfillEvents(2),
	})
	require.NoError(t, err)
	require.NoError(t, runJob(t, s, second))

	got, err := s.Get(context.Background(), second.OperationID)
	require.NoError(t, err)
	assert.Equal(t, backfilldomain.StatusCompleted, got.Status)
	assert.Zero(t, got.Accepted)
	assert.Equal(t, 2, got.Duplicates)
}

func TestHandleJob_CSVSource(t *testing.T) {
	s, db := newTestService(t, "backfill_csv", 1<<20)

	csvData := "metric,customer_ref,quantity,timestamp,resource_id\n" +
		"api_calls,cust-1,12.5,2025-01-10T00:00:00Z,res-1\n" +
		"api_calls,cust-2,3,2025-01-10T01:00:00Z,\n"

	op, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason:  "import from vendor export",
		CSVData: csvData,
	})
	require.NoError(t, err)
	assert.Equal(t, backfilldomain.SourceCSV, op.SourceType)

	require.NoError(t, runJob(t, s, op))

	got, err := s.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, backfilldomain.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Accepted)

	var event usagedomain.UsageEvent
	require.NoError(t, db.Where("customer_ref = ?", "cust-1").First(&event).Error)
	assert.True(t, event.Quantity.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, "res-1", event.ResourceID)
}

func TestHandleJob_MalformedCSVFailsOperation(t *testing.T) {
	s, _ := newTestService(t, "backfill_badcsv", 1<<20)

	// Missing the required timestamp column.
	op, err := s.Create(tenantCtx(), backfilldomain.CreateRequest{
		Reason:  "bad import",
		CSVData: "metric,customer_ref,quantity\napi_calls,cust-1,5\n",
	})
	require.NoError(t, err)

	require.Error(t, runJob(t, s, op))

	got, err := s.Get(context.Background(), op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, backfilldomain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "timestamp")
}

func TestGet_UnknownOperation(t *testing.T) {
	s, _ := newTestService(t, "backfill_get", 1<<20)

	_, err := s.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, backfilldomain.ErrOperationMissing)
}
