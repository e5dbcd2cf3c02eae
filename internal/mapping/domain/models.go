// Package domain contains the billing mapping configuration consumed by the
// writer and reconciler. Mapping management (CRUD) lives outside this
// service; the core only reads.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
)

// DefaultAccount is the sentinel account identifier meaning "no per-request
// account override header".
const DefaultAccount = "default"

// PriceMapping binds a tenant metric to a provider subscription item. One
// active mapping per (tenant, metric) is expected; historical mappings may
// coexist inactive.
type PriceMapping struct {
	ID                 snowflake.ID          `gorm:"primaryKey"`
	TenantID           string                `gorm:"type:text;not null;index:ix_price_mappings_tenant_metric,priority:1"`
	Metric             string                `gorm:"type:text;not null;index:ix_price_mappings_tenant_metric,priority:2"`
	Aggregation        aggdomain.Aggregation `gorm:"type:text;not null"`
	Account            string                `gorm:"type:text;not null;default:default"`
	SubscriptionItemID string                `gorm:"type:text;not null"`
	Active             bool                  `gorm:"not null;default:true"`
	Shadow             bool                  `gorm:"not null;default:false"`
	CreatedAt          time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time             `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PriceMapping) TableName() string { return "price_mappings" }

type Repository interface {
	ListActive(ctx context.Context) ([]PriceMapping, error)
	ListActiveByTenant(ctx context.Context, tenantID string) ([]PriceMapping, error)
	GetActive(ctx context.Context, tenantID, metric string) (*PriceMapping, error)
}

var (
	ErrMappingNotFound = errors.New("mapping_not_found")
)
