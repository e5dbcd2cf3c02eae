package repository

import (
	"context"

	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"gorm.io/gorm"
)

type repo struct {
	store repository.Repository[mappingdomain.PriceMapping]
}

func Provide(db *gorm.DB) mappingdomain.Repository {
	return &repo{store: repository.ProvideStore[mappingdomain.PriceMapping](db)}
}

func (r *repo) ListActive(ctx context.Context) ([]mappingdomain.PriceMapping, error) {
	rows, err := r.store.Find(ctx, &mappingdomain.PriceMapping{Active: true})
	if err != nil {
		return nil, err
	}
	return collect(rows), nil
}

func (r *repo) ListActiveByTenant(ctx context.Context, tenantID string) ([]mappingdomain.PriceMapping, error) {
	rows, err := r.store.Find(ctx, &mappingdomain.PriceMapping{TenantID: tenantID, Active: true})
	if err != nil {
		return nil, err
	}
	return collect(rows), nil
}

func (r *repo) GetActive(ctx context.Context, tenantID, metric string) (*mappingdomain.PriceMapping, error) {
	row, err := r.store.FindOne(ctx, &mappingdomain.PriceMapping{
		TenantID: tenantID,
		Metric:   metric,
		Active:   true,
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, mappingdomain.ErrMappingNotFound
	}
	return row, nil
}

func collect(rows []*mappingdomain.PriceMapping) []mappingdomain.PriceMapping {
	mappings := make([]mappingdomain.PriceMapping, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		mappings = append(mappings, *row)
	}
	return mappings
}
