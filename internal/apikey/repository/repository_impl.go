package repository

import (
	"context"
	"strings"
	"time"

	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	"github.com/smallbiznis/meterflow/internal/cache"
	"github.com/smallbiznis/meterflow/pkg/repository"
	"gorm.io/gorm"
)

// Resolutions are cached briefly to keep key verification off the ingestion
// hot path. Revoking a key takes effect within this TTL.
const resolveCacheTTL = 30 * time.Second

type verifier struct {
	db    *gorm.DB
	keys  repository.Repository[apikeydomain.APIKey]
	cache cache.Cache[string, string]
}

func ProvideVerifier(db *gorm.DB) apikeydomain.Verifier {
	return &verifier{
		db:    db,
		keys:  repository.ProvideStore[apikeydomain.APIKey](db),
		cache: cache.NewTTLCache[string, string](),
	}
}

func (v *verifier) Resolve(ctx context.Context, rawKey string) (string, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return "", apikeydomain.ErrInvalidKey
	}

	hash := apikeydomain.HashAPIKey(rawKey)
	if tenantID, ok := v.cache.Get(hash); ok {
		return tenantID, nil
	}

	key, err := v.keys.FindOne(ctx, &apikeydomain.APIKey{
		KeyHash:  hash,
		IsActive: true,
	})
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", apikeydomain.ErrInvalidKey
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now().UTC()) {
		return "", apikeydomain.ErrKeyExpired
	}

	now := time.Now().UTC()
	// best effort; verification never fails on bookkeeping
	_ = v.db.WithContext(ctx).
		Model(&apikeydomain.APIKey{}).
		Where("id = ?", key.ID).
		Update("last_used_at", now).Error

	v.cache.Set(hash, key.TenantID, resolveCacheTTL)
	return key.TenantID, nil
}
