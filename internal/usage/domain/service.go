package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// EventInput is one candidate event from an ingestion batch.
type EventInput struct {
	TenantID       string          `json:"tenant_id"`
	Metric         string          `json:"metric"`
	CustomerRef    string          `json:"customer_ref"`
	ResourceID     string          `json:"resource_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	Meta           map[string]any  `json:"meta"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// BatchRequest carries a batch plus the optional request-level idempotency
// key, used only when an event has no key of its own.
type BatchRequest struct {
	Events    []EventInput
	HeaderKey string
}

type EventStatus string

const (
	EventStatusAccepted  EventStatus = "accepted"
	EventStatusDuplicate EventStatus = "duplicate"
	EventStatusError     EventStatus = "error"
)

// EventResult reports the per-event outcome, in input order.
type EventResult struct {
	Index          int         `json:"index"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Status         EventStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
}

type BatchResult struct {
	RequestID  string        `json:"request_id"`
	Accepted   int           `json:"accepted"`
	Duplicates int           `json:"duplicates"`
	Results    []EventResult `json:"results"`
}

type Service interface {
	IngestBatch(ctx context.Context, req BatchRequest) (BatchResult, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrTenantMismatch    = errors.New("tenant_mismatch")
	ErrInvalidMetric     = errors.New("invalid_metric")
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidTimestamp  = errors.New("invalid_timestamp")
	ErrFutureTimestamp   = errors.New("future_timestamp")
	ErrEmptyBatch        = errors.New("empty_batch")
)
