package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/fiscal/providers/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]domain.ProviderConfig, error) {
	var configs []domain.ProviderConfig
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("provider asc").
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cfg *domain.ProviderConfig) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO fiscal_provider_configs (
			id, tenant_id, provider, config, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID,
		cfg.TenantID,
		cfg.Provider,
		cfg.Config,
		cfg.IsActive,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	).Error
}

func (r *repo) UpdateConfig(ctx context.Context, db *gorm.DB, id snowflake.ID, config datatypes.JSON, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE fiscal_provider_configs SET config = ?, updated_at = ? WHERE id = ?`,
		config, updatedAt, id,
	).Error
}

func (r *repo) DeactivateAll(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE fiscal_provider_configs SET is_active = ? WHERE tenant_id = ?`,
		false, tenantID,
	).Error
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE fiscal_provider_configs SET is_active = ?, updated_at = ? WHERE id = ?`,
		true, updatedAt, id,
	).Error
}
