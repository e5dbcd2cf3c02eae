// Package stripe is the concrete billing driver over Stripe's usage-record
// API. Pushes are byte-for-byte reproducible: the period start maps to a
// fixed midnight-UTC timestamp, the action is "set", and the caller's
// idempotency key rides on every request, so a retried push cannot double
// count.
package stripe

import (
	"context"
	"errors"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/meterflow/internal/billing/domain"
	"github.com/smallbiznis/meterflow/internal/config"
	"github.com/smallbiznis/meterflow/internal/observability"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// summaryPageCap bounds usage-record-summary pagination per call.
const summaryPageCap = 10

const summaryPageSize = 100

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *observability.Metrics `optional:"true"`
}

type Driver struct {
	live    *client.API
	test    *client.API
	policy  billingdomain.RetryPolicy
	log     *zap.Logger
	metrics *observability.Metrics
}

func NewDriver(p Params) billingdomain.Driver {
	d := &Driver{
		policy:  billingdomain.DefaultRetryPolicy(),
		log:     p.Log.Named("billing.stripe"),
		metrics: p.Metrics,
	}
	if key := p.Config.Stripe.LiveSecretKey; key != "" {
		d.live = newAPI(key)
	}
	if key := p.Config.Stripe.TestSecretKey; key != "" {
		d.test = newAPI(key)
	}
	return d
}

// NewDriverWithPolicy is used by tests to inject a fast retry policy.
func NewDriverWithPolicy(p Params, policy billingdomain.RetryPolicy) *Driver {
	d := NewDriver(p).(*Driver)
	d.policy = policy
	return d
}

func newAPI(key string) *client.API {
	api := &client.API{}
	api.Init(key, nil)
	return api
}

// clientFor selects the credential set for the requested mode. A missing
// credential is a configuration error, never a silent fallback.
func (d *Driver) clientFor(mode billingdomain.Mode) (*client.API, error) {
	switch mode {
	case billingdomain.ModeTest:
		if d.test == nil {
			return nil, billingdomain.ErrTestModeUnconfigured
		}
		return d.test, nil
	case billingdomain.ModeLive, "":
		if d.live == nil {
			return nil, billingdomain.ErrLiveModeUnconfigured
		}
		return d.live, nil
	default:
		return nil, billingdomain.ErrInvalidMode
	}
}

func (d *Driver) RecordUsage(ctx context.Context, req billingdomain.RecordUsageRequest) (*billingdomain.RecordUsageResponse, error) {
	api, err := d.clientFor(req.Mode)
	if err != nil {
		return nil, err
	}

	// Midnight UTC of the period-start date: identical for every retry of
	// the same period.
	ts := periodTimestamp(req.PeriodStart)
	quantity := req.Quantity.Round(0).IntPart()

	params := &stripe.UsageRecordParams{
		Params:           stripe.Params{Context: ctx},
		SubscriptionItem: stripe.String(req.SubscriptionItemID),
		Quantity:         stripe.Int64(quantity),
		Timestamp:        stripe.Int64(ts.Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionSet)),
	}
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	applyAccount(&params.Params, req.Account)

	var record *stripe.UsageRecord
	err = d.withRetry(ctx, func() error {
		var callErr error
		record, callErr = api.UsageRecords.New(params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	d.log.Debug("usage record pushed",
		zap.String("subscription_item", req.SubscriptionItemID),
		zap.Int64("quantity", quantity),
		zap.String("idempotency_key", req.IdempotencyKey),
	)
	return &billingdomain.RecordUsageResponse{
		ProviderRecordID: record.ID,
		Quantity:         quantity,
		Timestamp:        ts,
	}, nil
}

func (d *Driver) GetUsageSummary(ctx context.Context, req billingdomain.UsageSummaryRequest) (int64, error) {
	api, err := d.clientFor(req.Mode)
	if err != nil {
		return 0, err
	}

	var total int64
	err = d.withRetry(ctx, func() error {
		total = 0
		params := &stripe.UsageRecordSummaryListParams{
			SubscriptionItem: stripe.String(req.SubscriptionItemID),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(summaryPageSize)
		applyListAccount(&params.ListParams, req.Account)

		seen := 0
		iter := api.UsageRecordSummaries.List(params)
		for iter.Next() {
			summary := iter.UsageRecordSummary()
			total += summary.TotalUsage
			seen++
			if seen >= summaryPageCap*summaryPageSize {
				break
			}
		}
		return iter.Err()
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (d *Driver) CreateTestClock(ctx context.Context, name string, frozenAt time.Time) (string, error) {
	if d.test == nil {
		return "", billingdomain.ErrTestModeUnconfigured
	}

	params := &stripe.TestHelpersTestClockParams{
		Params:     stripe.Params{Context: ctx},
		FrozenTime: stripe.Int64(frozenAt.UTC().Unix()),
		Name:       stripe.String(name),
	}

	var clock *stripe.TestHelpersTestClock
	err := d.withRetry(ctx, func() error {
		var callErr error
		clock, callErr = d.test.TestHelpersTestClocks.New(params)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return clock.ID, nil
}

func (d *Driver) AdvanceTestClock(ctx context.Context, clockID string, to time.Time) error {
	if d.test == nil {
		return billingdomain.ErrTestModeUnconfigured
	}

	params := &stripe.TestHelpersTestClockAdvanceParams{
		Params:     stripe.Params{Context: ctx},
		FrozenTime: stripe.Int64(to.UTC().Unix()),
	}
	return d.withRetry(ctx, func() error {
		_, callErr := d.test.TestHelpersTestClocks.Advance(clockID, params)
		return callErr
	})
}

// withRetry runs fn under the driver's retry policy. Only statuses the
// policy marks retryable are retried; exhaustion returns the last error.
func (d *Driver) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		status, ok := errorStatus(lastErr)
		if !ok || !d.policy.Retryable(status) {
			return lastErr
		}
		if attempt == d.policy.MaxAttempts {
			break
		}
		if d.metrics != nil {
			d.metrics.IncDriverRetry()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.policy.Delay(attempt)):
		}
	}
	return lastErr
}

// periodTimestamp normalizes a period start to midnight UTC of its date so
// every retry of the same period reports the same timestamp.
func periodTimestamp(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func errorStatus(err error) (int, bool) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode, true
	}
	return 0, false
}

func applyAccount(params *stripe.Params, account string) {
	account = strings.TrimSpace(account)
	if account == "" || account == "default" {
		return
	}
	params.StripeAccount = stripe.String(account)
}

func applyListAccount(params *stripe.ListParams, account string) {
	account = strings.TrimSpace(account)
	if account == "" || account == "default" {
		return
	}
	params.StripeAccount = stripe.String(account)
}
