package service

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
	"github.com/smallbiznis/meterflow/internal/config"
	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	mappingrepository "github.com/smallbiznis/meterflow/internal/mapping/repository"
	recondomain "github.com/smallbiznis/meterflow/internal/reconcile/domain"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

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

func newTestReconciler(t *testing.T, name string, driver billingdomain.Driver, cfg config.ReconcileConfig) (*Worker, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&aggdomain.Counter{},
		&mappingdomain.PriceMapping{},
		&recondomain.ReconciliationReport{},
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
		reports:  repository.ProvideStore[recondomain.ReconciliationReport](db),
		cfg:      cfg,
		mode:     billingdomain.ModeTest,
		triggers: make(chan triggerRequest, 1),
	}, db
}

var reconPeriod = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func seedReconFixture(t *testing.T, db *gorm.DB, sums ...int64) {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	require.NoError(t, db.Create(&mappingdomain.PriceMapping{
		ID:                 node.Generate(),
		TenantID:           "T",
		Metric:             "api_calls",
		Aggregation:        aggdomain.AggregationSum,
		SubscriptionItemID: "S",
		Active:             true,
	}).Error)

	for i, sum := range sums {
		require.NoError(t, db.Create(&aggdomain.Counter{
			ID:          node.Generate(),
			TenantID:    "T",
			Metric:      "api_calls",
			CustomerRef: "cust-" + string(rune('1'+i)),
			PeriodStart: reconPeriod,
			AggSum:      decimal.NewFromInt(sum),
		}).Error)
	}
}

func TestRunOnce_FakeDriftReport(t *testing.T) {
	w, db := newTestReconciler(t, "recon_fake", &driverMock{}, config.ReconcileConfig{
		FakeMode:  true,
		FakeDrift: 0.10,
	})
	seedReconFixture(t, db, 100, 50)

	require.NoError(t, w.RunOnce(context.Background(), "", reconPeriod))

	var report recondomain.ReconciliationReport
	require.NoError(t, db.First(&report).Error)
	assert.True(t, report.LocalTotal.Equal(decimal.NewFromInt(150)), "local: %s", report.LocalTotal)
	assert.True(t, report.ProviderTotal.Equal(decimal.NewFromInt(135)), "provider: %s", report.ProviderTotal)
	assert.True(t, report.Diff.Equal(decimal.NewFromInt(-15)), "diff: %s", report.Diff)
	assert.InDelta(t, -10, report.DiffPct, 0.001)
}

func TestRunOnce_QueriesProviderOutsideFakeMode(t *testing.T) {
	driver := &driverMock{}
	w, db := newTestReconciler(t, "recon_live", driver, config.ReconcileConfig{})
	seedReconFixture(t, db, 120)

	driver.On("GetUsageSummary", mock.Anything, mock.MatchedBy(func(req billingdomain.UsageSummaryRequest) bool {
		return req.SubscriptionItemID == "S" && req.Mode == billingdomain.ModeTest
	})).Return(int64(110), nil).Once()

	require.NoError(t, w.RunOnce(context.Background(), "", reconPeriod))
	driver.AssertExpectations(t)

	var report recondomain.ReconciliationReport
	require.NoError(t, db.First(&report).Error)
	assert.True(t, report.Diff.Equal(decimal.NewFromInt(-10)), "diff: %s", report.Diff)
}

func TestRunOnce_AppendsReportPerRun(t *testing.T) {
	w, db := newTestReconciler(t, "recon_append", &driverMock{}, config.ReconcileConfig{
		FakeMode: true,
	})
	seedReconFixture(t, db, 10)

	require.NoError(t, w.RunOnce(context.Background(), "", reconPeriod))
	require.NoError(t, w.RunOnce(context.Background(), "", reconPeriod))

	var count int64
	db.Model(&recondomain.ReconciliationReport{}).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestRunOnce_TenantFilter(t *testing.T) {
	w, db := newTestReconciler(t, "recon_tenant", &driverMock{}, config.ReconcileConfig{
		FakeMode: true,
	})
	seedReconFixture(t, db, 10)

	require.NoError(t, w.RunOnce(context.Background(), "other-tenant", reconPeriod))

	var count int64
	db.Model(&recondomain.ReconciliationReport{}).Count(&count)
	assert.Zero(t, count)
}

func TestTrigger_SingleFlight(t *testing.T) {
	w, _ := newTestReconciler(t, "recon_trigger", &driverMock{}, config.ReconcileConfig{FakeMode: true})

	assert.True(t, w.Trigger("T"))
	// Nothing drained the channel yet, so a second trigger is refused.
	assert.False(t, w.Trigger("T"))
}

func TestListReports_OrderAndLimit(t *testing.T) {
	w, db := newTestReconciler(t, "recon_list", &driverMock{}, config.ReconcileConfig{FakeMode: true})
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&recondomain.ReconciliationReport{
			ID:          node.Generate(),
			TenantID:    "T",
			Metric:      "api_calls",
			PeriodStart: reconPeriod,
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		}).Error)
	}
	require.NoError(t, db.Create(&recondomain.ReconciliationReport{
		ID:          node.Generate(),
		TenantID:    "other",
		Metric:      "api_calls",
		PeriodStart: reconPeriod,
		CreatedAt:   base,
	}).Error)

	reports, pageInfo, err := w.ListReports(context.Background(), recondomain.ListReportsRequest{
		TenantID: "T",
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	// Newest first.
	assert.True(t, reports[0].CreatedAt.After(reports[1].CreatedAt))
	for _, report := range reports {
		assert.Equal(t, "T", report.TenantID)
	}
	require.NotNil(t, pageInfo)
	assert.True(t, pageInfo.HasMore)
	require.NotEmpty(t, pageInfo.NextPageToken)

	// The cursor resumes where the first page stopped.
	reports, pageInfo, err = w.ListReports(context.Background(), recondomain.ListReportsRequest{
		TenantID:  "T",
		PageSize:  2,
		PageToken: pageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, pageInfo.HasMore)
}
