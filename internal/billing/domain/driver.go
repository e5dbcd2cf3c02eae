// Package domain defines the billing provider contract. The only concrete
// driver is Stripe's usage-record API, but nothing outside
// internal/billing/stripe depends on that.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects which credential set a provider call uses. It always travels
// explicitly with the request, never inferred from global state.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeLive, "":
		return ModeLive, nil
	case ModeTest:
		return ModeTest, nil
	default:
		return "", ErrInvalidMode
	}
}

// RetryPolicy bounds the driver's transient-error retries. Retryable decides
// from the HTTP status; everything else propagates immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Retryable   func(status int) bool
}

// DefaultRetryPolicy retries 429 and 5xx up to 3 attempts with exponential
// backoff starting at 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2,
		Retryable: func(status int) bool {
			return status == 429 || status >= 500
		},
	}
}

// Delay returns the backoff before the given 1-based attempt's retry.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return delay
}

type RecordUsageRequest struct {
	Account            string
	SubscriptionItemID string
	PeriodStart        time.Time
	Quantity           decimal.Decimal
	IdempotencyKey     string
	Mode               Mode
}

type RecordUsageResponse struct {
	ProviderRecordID string
	Quantity         int64
	Timestamp        time.Time
}

type UsageSummaryRequest struct {
	Account            string
	SubscriptionItemID string
	Mode               Mode
}

// Driver encapsulates all network interaction with the billing provider.
type Driver interface {
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*RecordUsageResponse, error)
	GetUsageSummary(ctx context.Context, req UsageSummaryRequest) (int64, error)
	CreateTestClock(ctx context.Context, name string, frozenAt time.Time) (string, error)
	AdvanceTestClock(ctx context.Context, clockID string, to time.Time) error
}

// PushIdempotencyKey builds the deterministic provider-side idempotency key.
// The quantity is formatted to exactly six decimal places so the key for a
// given computed total is byte-for-byte stable across retries and restarts.
func PushIdempotencyKey(tenantID, subscriptionItemID string, periodStart time.Time, quantity decimal.Decimal) string {
	return fmt.Sprintf("push:%s:%s:%s:%s",
		tenantID,
		subscriptionItemID,
		periodStart.UTC().Format("2006-01-02"),
		quantity.StringFixed(6),
	)
}

var (
	ErrInvalidMode          = errors.New("invalid_mode")
	ErrTestModeUnconfigured = errors.New("test_mode_not_configured")
	ErrLiveModeUnconfigured = errors.New("live_mode_not_configured")
)
