// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageStatus tracks an event through the aggregation pipeline.
type UsageStatus string

const (
	UsageStatusAccepted   UsageStatus = "accepted"
	UsageStatusAggregated UsageStatus = "aggregated"
)

// UsageEvent stores a single unit of metered activity. Rows are immutable
// once persisted; only Status flips when the aggregation worker folds the
// event into its period counter.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	TenantID       string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_tenant_key,priority:1;index:ix_usage_events_bucket,priority:1"`
	Metric         string            `gorm:"type:text;not null;index:ix_usage_events_bucket,priority:2"`
	CustomerRef    string            `gorm:"type:text;not null;index:ix_usage_events_bucket,priority:3"`
	ResourceID     string            `gorm:"type:text"`
	Quantity       decimal.Decimal   `gorm:"type:numeric(30,10);not null"`
	Timestamp      time.Time         `gorm:"not null"`
	PeriodStart    time.Time         `gorm:"not null;index:ix_usage_events_bucket,priority:4"`
	Source         string            `gorm:"type:text"`
	Meta           datatypes.JSONMap `gorm:"type:jsonb"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_tenant_key,priority:2"`
	Status         UsageStatus       `gorm:"type:text;not null;default:accepted"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
