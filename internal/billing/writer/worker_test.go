package writer

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	aggrepository "github.com/smallbiznis/meterflow/internal/aggregation/repository"
	billingdomain "github.com/smallbiznis/meterflow/internal/billing/domain"
	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	mappingrepository "github.com/smallbiznis/meterflow/internal/mapping/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Mocks --

type driverMock struct {
	mock.Mock
}

func (m *driverMock) RecordUsage(ctx context.Context, req billingdomain.RecordUsageRequest) (*billingdomain.RecordUsageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billingdomain.RecordUsageResponse), args.Error(1)
}

func (m *driverMock) GetUsageSummary(ctx context.Context, req billingdomain.UsageSummaryRequest) (int64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(int64), args.Error(1)
}

func (m *driverMock) CreateTestClock(context.Context, string, time.Time) (string, error) {
	return "", nil
}

func (m *driverMock) AdvanceTestClock(context.Context, string, time.Time) error {
	return nil
}

func newTestWorker(t *testing.T, name string, driver billingdomain.Driver) (*Worker, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&aggdomain.Counter{},
		&mappingdomain.PriceMapping{},
		&billingdomain.PushRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return &Worker{
		db:       db,
		log:      zap.NewNop(),
		genID:    node,
		counters: aggrepository.ProvideCounterStore(db),
		mappings: mappingrepository.Provide(db),
		driver:   driver,
		mode:     billingdomain.ModeTest,
	}, db
}

func seedMapping(t *testing.T, db *gorm.DB, node *snowflake.Node, mapping mappingdomain.PriceMapping) {
	t.Helper()
	mapping.ID = node.Generate()
	require.NoError(t, db.Create(&mapping).Error)
}

func seedCounter(t *testing.T, db *gorm.DB, node *snowflake.Node, counter aggdomain.Counter) {
	t.Helper()
	counter.ID = node.Generate()
	require.NoError(t, db.Create(&counter).Error)
}

var testPeriod = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPush_RecordsUsageAtProvider(t *testing.T) {
	driver := &driverMock{}
	w, db := newTestWorker(t, "writer_push", driver)
	node, _ := snowflake.NewNode(2)

	seedMapping(t, db, node, mappingdomain.PriceMapping{
		TenantID:           "T",
		Metric:             "api_calls",
		Aggregation:        aggdomain.AggregationSum,
		Account:            mappingdomain.DefaultAccount,
		SubscriptionItemID: "S",
		Active:             true,
	})
	seedCounter(t, db, node, aggdomain.Counter{
		TenantID:    "T",
		Metric:      "api_calls",
		CustomerRef: "cust-1",
		PeriodStart: testPeriod,
		AggSum:      decimal.RequireFromString("100.5"),
	})

	wantKey := "push:T:S:2025-01-01:100.500000"
	driver.On("RecordUsage", mock.Anything, mock.MatchedBy(func(req billingdomain.RecordUsageRequest) bool {
		return req.IdempotencyKey == wantKey &&
			req.SubscriptionItemID == "S" &&
			req.Mode == billingdomain.ModeTest &&
			req.Quantity.Equal(decimal.RequireFromString("100.5"))
	})).Return(&billingdomain.RecordUsageResponse{ProviderRecordID: "mbur_1"}, nil).Once()

	require.NoError(t, w.Push(context.Background(), PushRequest{
		TenantID:    "T",
		Metric:      "api_calls",
		PeriodStart: testPeriod,
		Mode:        billingdomain.ModeTest,
	}))
	driver.AssertExpectations(t)

	var record billingdomain.PushRecord
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, wantKey, record.IdempotencyKey)
	assert.Equal(t, "mbur_1", record.ProviderRecordID)
	assert.False(t, record.Shadow)
}

func TestPush_SumsAcrossCustomers(t *testing.T) {
	driver := &driverMock{}
	w, db := newTestWorker(t, "writer_reduce", driver)
	node, _ := snowflake.NewNode(2)

	seedMapping(t, db, node, mappingdomain.PriceMapping{
		TenantID:           "T",
		Metric:             "api_calls",
		Aggregation:        aggdomain.AggregationSum,
		SubscriptionItemID: "S",
		Active:             true,
	})
	seedCounter(t, db, node, aggdomain.Counter{
		TenantID: "T", Metric: "api_calls", CustomerRef: "cust-1",
		PeriodStart: testPeriod, AggSum: decimal.NewFromInt(100),
	})
	seedCounter(t, db, node, aggdomain.Counter{
		TenantID: "T", Metric: "api_calls", CustomerRef: "cust-2",
		PeriodStart: testPeriod, AggSum: decimal.NewFromInt(50),
	})

	driver.On("RecordUsage", mock.Anything, mock.MatchedBy(func(req billingdomain.RecordUsageRequest) bool {
		return req.Quantity.Equal(decimal.NewFromInt(150))
	})).Return(&billingdomain.RecordUsageResponse{ProviderRecordID: "mbur_2"}, nil).Once()

	require.NoError(t, w.Push(context.Background(), PushRequest{
		TenantID: "T", Metric: "api_calls", PeriodStart: testPeriod, Mode: billingdomain.ModeTest,
	}))
	driver.AssertExpectations(t)
}

func TestPush_ShadowMappingSkipsProvider(t *testing.T) {
	driver := &driverMock{}
	w, db := newTestWorker(t, "writer_shadow", driver)
	node, _ := snowflake.NewNode(2)

	seedMapping(t, db, node, mappingdomain.PriceMapping{
		TenantID:           "T",
		Metric:             "api_calls",
		Aggregation:        aggdomain.AggregationSum,
		SubscriptionItemID: "S",
		Active:             true,
		Shadow:             true,
	})
	seedCounter(t, db, node, aggdomain.Counter{
		TenantID: "T", Metric: "api_calls", CustomerRef: "cust-1",
		PeriodStart: testPeriod, AggSum: decimal.NewFromInt(42),
	})

	require.NoError(t, w.Push(context.Background(), PushRequest{
		TenantID: "T", Metric: "api_calls", PeriodStart: testPeriod, Mode: billingdomain.ModeTest,
	}))

	// No provider call, but the audit row is still written.
	driver.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)

	var record billingdomain.PushRecord
	require.NoError(t, db.First(&record).Error)
	assert.True(t, record.Shadow)
	assert.Empty(t, record.ProviderRecordID)
}

func TestPush_NoCountersIsNoop(t *testing.T) {
	driver := &driverMock{}
	w, db := newTestWorker(t, "writer_nocounters", driver)
	node, _ := snowflake.NewNode(2)

	seedMapping(t, db, node, mappingdomain.PriceMapping{
		TenantID:           "T",
		Metric:             "api_calls",
		Aggregation:        aggdomain.AggregationSum,
		SubscriptionItemID: "S",
		Active:             true,
	})

	require.NoError(t, w.Push(context.Background(), PushRequest{
		TenantID: "T", Metric: "api_calls", PeriodStart: testPeriod, Mode: billingdomain.ModeTest,
	}))
	driver.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)
}

func TestPush_MissingMappingFails(t *testing.T) {
	driver := &driverMock{}
	w, _ := newTestWorker(t, "writer_nomapping", driver)

	err := w.Push(context.Background(), PushRequest{
		TenantID: "T", Metric: "unmapped", PeriodStart: testPeriod, Mode: billingdomain.ModeTest,
	})
	assert.ErrorIs(t, err, mappingdomain.ErrMappingNotFound)
}

func TestPush_IdenticalQuantityAuditRowOnce(t *testing.T) {
	driver := &driverMock{}
	w, db := newTestWorker(t, "writer_audit_once", driver)
	node, _ := snowflake.NewNode(2)

	seedMapping(t, db, node, mappingdomain.PriceMapping{
		TenantID:           "T",
		Metric:             "api_calls",
		Aggregation:        aggdomain.AggregationSum,
		SubscriptionItemID: "S",
		Active:             true,
	})
	seedCounter(t, db, node, aggdomain.Counter{
		TenantID: "T", Metric: "api_calls", CustomerRef: "cust-1",
		PeriodStart: testPeriod, AggSum: decimal.NewFromInt(7),
	})

	driver.On("RecordUsage", mock.Anything, mock.Anything).
		Return(&billingdomain.RecordUsageResponse{ProviderRecordID: "mbur_3"}, nil).Twice()

	req := PushRequest{TenantID: "T", Metric: "api_calls", PeriodStart: testPeriod, Mode: billingdomain.ModeTest}
	require.NoError(t, w.Push(context.Background(), req))
	require.NoError(t, w.Push(context.Background(), req))

	var count int64
	db.Model(&billingdomain.PushRecord{}).Count(&count)
	assert.EqualValues(t, 1, count)
}
