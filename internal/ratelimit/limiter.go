package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/meterflow/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyIngestTenant = "ratelimit:ingest:%s"

// ErrRateLimited is returned when a tenant has exhausted its ingestion budget.
var ErrRateLimited = errors.New("rate_limited")

// IngestLimiter throttles ingestion per tenant. A nil limiter (rate limiting
// disabled) admits everything.
type IngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewIngestLimiter(cfg config.Config, client *redis.Client) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}

	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.IngestRate,
		burst:  limitCfg.IngestBurst,
	}, nil
}

// AllowTenant admits or rejects one ingestion request for the tenant.
func (l *IngestLimiter) AllowTenant(ctx context.Context, tenantID string) (Result, error) {
	if l == nil {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyIngestTenant, strings.TrimSpace(tenantID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
