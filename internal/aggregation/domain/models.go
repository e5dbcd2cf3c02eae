// Package domain defines the per-period usage counters and the aggregation
// job vocabulary shared by the dispatcher and the worker.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Aggregation is the reducer applied to a metric's events within a period.
type Aggregation string

const (
	AggregationSum  Aggregation = "sum"
	AggregationMax  Aggregation = "max"
	AggregationLast Aggregation = "last"
)

func ParseAggregation(raw string) (Aggregation, error) {
	switch Aggregation(strings.ToLower(strings.TrimSpace(raw))) {
	case AggregationSum:
		return AggregationSum, nil
	case AggregationMax:
		return AggregationMax, nil
	case AggregationLast:
		return AggregationLast, nil
	default:
		return "", ErrInvalidAggregation
	}
}

// Counter holds the three parallel aggregates for one
// (tenant, metric, customer, period) bucket. Only the aggregation worker
// mutates counters; the writer and reconciler read them.
type Counter struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	TenantID      string          `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_bucket,priority:1"`
	Metric        string          `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_bucket,priority:2"`
	CustomerRef   string          `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_bucket,priority:3"`
	PeriodStart   time.Time       `gorm:"not null;uniqueIndex:ux_usage_counters_bucket,priority:4"`
	AggSum        decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AggMax        decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AggLast       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	AggLastEventAt time.Time      `gorm:"not null"`
	EventCount    int64           `gorm:"not null;default:0"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Counter) TableName() string { return "usage_counters" }

// Value returns the aggregate selected by the given method.
func (c Counter) Value(method Aggregation) decimal.Decimal {
	switch method {
	case AggregationMax:
		return c.AggMax
	case AggregationLast:
		return c.AggLast
	default:
		return c.AggSum
	}
}

// Reduce folds a set of counters for one (tenant, metric, period) across
// customers into a single total using the mapping's aggregation method:
// sums are summed, maxima are maxed, last-write-wins picks the counter with
// the most recent event.
func Reduce(counters []Counter, method Aggregation) decimal.Decimal {
	total := decimal.Zero
	var lastAt time.Time
	for i, c := range counters {
		switch method {
		case AggregationMax:
			if i == 0 || c.AggMax.GreaterThan(total) {
				total = c.AggMax
			}
		case AggregationLast:
			if i == 0 || c.AggLastEventAt.After(lastAt) {
				total = c.AggLast
				lastAt = c.AggLastEventAt
			}
		default:
			total = total.Add(c.AggSum)
		}
	}
	return total
}

// JobKey is the logical identity of one aggregation pass. Its string form is
// also the queue job ID, so repeated enqueues for the same bucket collapse.
type JobKey struct {
	TenantID    string    `json:"tenant_id"`
	Metric      string    `json:"metric"`
	CustomerRef string    `json:"customer_ref"`
	PeriodStart time.Time `json:"period_start"`
}

const periodLayout = "2006-01-02"

func (k JobKey) String() string {
	return fmt.Sprintf("agg:%s:%s:%s:%s", k.TenantID, k.Metric, k.CustomerRef, k.PeriodStart.UTC().Format(periodLayout))
}

// JobTypeAggregate is the queue job type consumed by the aggregation worker.
const JobTypeAggregate = "aggregate_bucket"

// Dispatcher schedules one aggregation pass per bucket.
type Dispatcher interface {
	Dispatch(ctx context.Context, keys []JobKey) error
}

// CounterStore is the read contract consumed by the billing writer and the
// reconciler.
type CounterStore interface {
	Get(ctx context.Context, tenantID, metric, customerRef string, periodStart time.Time) (*Counter, error)
	ListForPeriod(ctx context.Context, tenantID, metric string, periodStart time.Time) ([]Counter, error)
}

var (
	ErrInvalidAggregation = errors.New("invalid_aggregation")
)
