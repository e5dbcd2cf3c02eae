package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PushRecord is the append-only audit row for every computed push, including
// shadow pushes that never reached the provider.
type PushRecord struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	TenantID           string          `gorm:"type:text;not null;index:ix_push_records_tenant_period,priority:1"`
	Metric             string          `gorm:"type:text;not null"`
	SubscriptionItemID string          `gorm:"type:text;not null"`
	PeriodStart        time.Time       `gorm:"not null;index:ix_push_records_tenant_period,priority:2"`
	Quantity           decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	IdempotencyKey     string          `gorm:"type:text;not null;uniqueIndex:ux_push_records_key"`
	Mode               Mode            `gorm:"type:text;not null"`
	Shadow             bool            `gorm:"not null;default:false"`
	ProviderRecordID   string          `gorm:"type:text"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PushRecord) TableName() string { return "push_records" }
