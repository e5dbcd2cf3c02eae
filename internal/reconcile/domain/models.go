// Package domain contains the drift reconciliation models and contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterflow/pkg/db/pagination"
)

// ReconciliationReport is one append-only drift measurement. Historical
// reports are never mutated; repeated runs add rows.
type ReconciliationReport struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	TenantID      string          `gorm:"type:text;not null;index:ix_recon_reports_tenant_period,priority:1"`
	Metric        string          `gorm:"type:text;not null"`
	CustomerRef   string          `gorm:"type:text"`
	PeriodStart   time.Time       `gorm:"not null;index:ix_recon_reports_tenant_period,priority:2"`
	LocalTotal    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	ProviderTotal decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Diff          decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	DiffPct       float64         `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReconciliationReport) TableName() string { return "reconciliation_reports" }

type ListReportsRequest struct {
	TenantID    string
	PeriodStart *time.Time
	PageSize    int
	PageToken   string
}

type Service interface {
	// Trigger schedules an immediate run for the tenant (empty = all) and
	// returns false when a run is already in flight in this process.
	Trigger(tenantID string) bool
	RunOnce(ctx context.Context, tenantID string, period time.Time) error
	ListReports(ctx context.Context, req ListReportsRequest) ([]ReconciliationReport, *pagination.PageInfo, error)
}

var (
	ErrRunInFlight = errors.New("reconciliation_run_in_flight")
)
