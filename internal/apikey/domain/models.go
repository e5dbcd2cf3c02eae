// Package domain holds the API-key credential model. Key issuance and
// management live outside this service; the gateway only verifies.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// APIKey stores hashed API credentials scoped to a tenant.
type APIKey struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	TenantID   string       `gorm:"type:text;not null;index"`
	KeyHash    string       `gorm:"column:key_hash;type:text;not null;uniqueIndex:ux_api_keys_hash"`
	Name       string       `gorm:"type:text;not null"`
	IsActive   bool         `gorm:"column:is_active;not null;default:true"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastUsedAt *time.Time   `gorm:"column:last_used_at"`
	ExpiresAt  *time.Time   `gorm:"column:expires_at"`
}

// TableName sets the database table name.
func (APIKey) TableName() string { return "api_keys" }

// Verifier resolves a raw API key to the tenant it authenticates.
type Verifier interface {
	Resolve(ctx context.Context, rawKey string) (tenantID string, err error)
}

var (
	ErrInvalidKey = errors.New("invalid_api_key")
	ErrKeyExpired = errors.New("api_key_expired")
)
