package repository

import (
	"context"
	"time"

	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"gorm.io/gorm"
)

type counterStore struct {
	repo repository.Repository[aggdomain.Counter]
}

func ProvideCounterStore(db *gorm.DB) aggdomain.CounterStore {
	return &counterStore{repo: repository.ProvideStore[aggdomain.Counter](db)}
}

func (s *counterStore) Get(ctx context.Context, tenantID, metric, customerRef string, periodStart time.Time) (*aggdomain.Counter, error) {
	return s.repo.FindOne(ctx, &aggdomain.Counter{
		TenantID:    tenantID,
		Metric:      metric,
		CustomerRef: customerRef,
		PeriodStart: periodStart.UTC(),
	})
}

func (s *counterStore) ListForPeriod(ctx context.Context, tenantID, metric string, periodStart time.Time) ([]aggdomain.Counter, error) {
	rows, err := s.repo.Find(ctx, &aggdomain.Counter{
		TenantID:    tenantID,
		Metric:      metric,
		PeriodStart: periodStart.UTC(),
	}, repository.WithOrder("customer_ref ASC"))
	if err != nil {
		return nil, err
	}
	counters := make([]aggdomain.Counter, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		counters = append(counters, *row)
	}
	return counters, nil
}
