// Package domain contains backfill operation models. A backfill replays
// historical events through the ingestion gateway, so the usual idempotency
// machinery dedupes retried operations.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
)

type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
	StatusCancelled  OperationStatus = "cancelled"
)

type SourceType string

const (
	SourceInline SourceType = "inline"
	SourceCSV    SourceType = "csv"
)

// Operation tracks one backfill through its lifecycle. The raw payload is
// stored on the row (payloads above the configured threshold are rejected at
// creation; external-storage upload is deliberately unimplemented).
type Operation struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	OperationID string          `gorm:"type:text;not null;uniqueIndex:ux_backfill_ops_operation_id"`
	TenantID    string          `gorm:"type:text;not null;index"`
	Metric      string          `gorm:"type:text"`
	CustomerRef string          `gorm:"type:text"`
	PeriodStart *time.Time      `gorm:""`
	PeriodEnd   *time.Time      `gorm:""`
	SourceType  SourceType      `gorm:"type:text;not null"`
	SourceData  string          `gorm:"type:text;not null"`
	Reason      string          `gorm:"type:text;not null"`
	Actor       string          `gorm:"type:text"`
	Status      OperationStatus `gorm:"type:text;not null;default:pending"`
	Error       string          `gorm:"type:text"`
	Total       int             `gorm:"not null;default:0"`
	Accepted    int             `gorm:"not null;default:0"`
	Duplicates  int             `gorm:"not null;default:0"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Operation) TableName() string { return "backfill_operations" }

type CreateRequest struct {
	Events      []usagedomain.EventInput `json:"events"`
	CSVData     string                   `json:"csv_data"`
	Metric      string                   `json:"metric"`
	CustomerRef string                   `json:"customer_ref"`
	PeriodStart *time.Time               `json:"period_start"`
	PeriodEnd   *time.Time               `json:"period_end"`
	Reason      string                   `json:"reason"`
	Actor       string                   `json:"actor"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Operation, error)
	Get(ctx context.Context, operationID string) (*Operation, error)
}

// JobTypeBackfill is the queue job type; jobs are keyed by operation ID so a
// retried enqueue cannot duplicate work.
const JobTypeBackfill = "backfill_process"

var (
	ErrInvalidReason    = errors.New("invalid_reason")
	ErrEmptyPayload     = errors.New("empty_payload")
	ErrPayloadTooLarge  = errors.New("payload_too_large")
	ErrOperationMissing = errors.New("operation_not_found")
)
