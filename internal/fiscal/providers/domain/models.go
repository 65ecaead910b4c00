package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProviderConfig stores one tenant's credentials for one provider type.
// Config holds an AES-GCM envelope, never plaintext credentials.
type ProviderConfig struct {
	ID       snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID snowflake.ID `json:"tenant_id" gorm:"not null;uniqueIndex:ux_fiscal_provider_configs_tenant_provider,priority:1"`
	Provider string       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_fiscal_provider_configs_tenant_provider,priority:2"`

	Config   datatypes.JSON `json:"-" gorm:"type:jsonb;not null"`
	IsActive bool           `json:"is_active" gorm:"not null;default:false"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (ProviderConfig) TableName() string { return "fiscal_provider_configs" }

type ConfigSummary struct {
	Provider   string `json:"provider"`
	IsActive   bool   `json:"is_active"`
	Configured bool   `json:"configured"`
}

type UpsertRequest struct {
	Provider string         `json:"provider"`
	Config   map[string]any `json:"config"`
}

// ActiveProvider is the decrypted active configuration for one tenant, ready
// to hand to an adapter factory.
type ActiveProvider struct {
	Provider string
	Config   map[string]any
}

type Service interface {
	List(ctx context.Context, tenantID snowflake.ID) ([]ConfigSummary, error)
	Upsert(ctx context.Context, tenantID snowflake.ID, req UpsertRequest) (*ConfigSummary, error)
	// Activate makes provider the single active configuration for the
	// tenant, deactivating every other one in the same transaction.
	Activate(ctx context.Context, tenantID snowflake.ID, provider string) error
	// Active resolves and decrypts the tenant's active provider config.
	Active(ctx context.Context, tenantID snowflake.ID) (*ActiveProvider, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*ProviderConfig, error)
	FindActive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*ProviderConfig, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]ProviderConfig, error)
	Insert(ctx context.Context, db *gorm.DB, cfg *ProviderConfig) error
	UpdateConfig(ctx context.Context, db *gorm.DB, id snowflake.ID, config datatypes.JSON, updatedAt time.Time) error
	DeactivateAll(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error
	SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, updatedAt time.Time) error
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidProvider      = errors.New("invalid_provider")
	ErrInvalidConfig        = errors.New("invalid_provider_config")
	ErrConfigNotFound       = errors.New("provider_config_not_found")
	ErrEncryptionKeyMissing = errors.New("provider_config_encryption_key_missing")
)
