// Package seed bootstraps development data so a fresh install can ingest
// without any manual SQL: one tenant API key and one shadow price mapping.
package seed

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/meterflow/internal/aggregation/domain"
	apikeydomain "github.com/smallbiznis/meterflow/internal/apikey/domain"
	mappingdomain "github.com/smallbiznis/meterflow/internal/mapping/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	devTenantID = "dev"
	devAPIKey   = "mf_dev_key"
	devMetric   = "api_calls"
)

// EnsureDevTenant is idempotent; rows that already exist are left untouched.
// The seeded mapping is a shadow mapping, so nothing reaches the billing
// provider until an operator flips it.
func EnsureDevTenant(db *gorm.DB, log *zap.Logger) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(9)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := ensureAPIKey(tx, node); err != nil {
			return err
		}
		if err := ensureMapping(tx, node); err != nil {
			return err
		}
		log.Info("development seed data ensured",
			zap.String("tenant_id", devTenantID),
			zap.String("api_key", devAPIKey),
		)
		return nil
	})
}

func ensureAPIKey(tx *gorm.DB, node *snowflake.Node) error {
	hash := apikeydomain.HashAPIKey(devAPIKey)

	var count int64
	if err := tx.Model(&apikeydomain.APIKey{}).
		Where("key_hash = ?", hash).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.Create(&apikeydomain.APIKey{
		ID:        node.Generate(),
		TenantID:  devTenantID,
		KeyHash:   hash,
		Name:      "development key",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}).Error
}

func ensureMapping(tx *gorm.DB, node *snowflake.Node) error {
	var count int64
	if err := tx.Model(&mappingdomain.PriceMapping{}).
		Where("tenant_id = ? AND metric = ?", devTenantID, devMetric).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	return tx.Create(&mappingdomain.PriceMapping{
		ID:                 node.Generate(),
		TenantID:           devTenantID,
		Metric:             devMetric,
		Aggregation:        aggdomain.AggregationSum,
		Account:            mappingdomain.DefaultAccount,
		SubscriptionItemID: "si_dev_placeholder",
		Active:             true,
		Shadow:             true,
	}).Error
}
