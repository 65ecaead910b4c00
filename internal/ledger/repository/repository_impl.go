package repository

import (
	"context"
	"strings"

	"github.com/corretora/backoffice/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) error {
	if entry == nil {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_entries (
			id, chain_id, scope, tenant_id, actor_username, actor_email,
			action, event_type, resource_label, resource_key,
			before, after, metadata, request_id, occurred_at,
			prev_hash, entry_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.ChainID,
		entry.Scope,
		entry.TenantID,
		entry.ActorUsername,
		entry.ActorEmail,
		entry.Action,
		entry.EventType,
		entry.ResourceLabel,
		entry.ResourceKey,
		entry.Before,
		entry.After,
		entry.Metadata,
		entry.RequestID,
		entry.OccurredAt,
		entry.PrevHash,
		entry.EntryHash,
		entry.CreatedAt,
	).Error
}

func (r *repo) LatestEntryHash(ctx context.Context, tx *gorm.DB, chainID string) (string, error) {
	var hashes []string
	err := tx.WithContext(ctx).Raw(
		`SELECT entry_hash FROM ledger_entries WHERE chain_id = ? ORDER BY id DESC LIMIT 1`,
		chainID,
	).Scan(&hashes).Error
	if err != nil {
		return "", err
	}
	if len(hashes) == 0 {
		return "", nil
	}
	return hashes[0], nil
}

func (r *repo) WalkChain(ctx context.Context, db *gorm.DB, chainID string) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("chain_id = ?", chainID).
		Order("id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	stmt := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Where("chain_id = ?", filter.ChainID)

	if action := strings.TrimSpace(filter.Action); action != "" {
		stmt = stmt.Where("action = ?", action)
	}
	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
