package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	obsmetrics "github.com/corretora/backoffice/internal/observability/metrics"
	"github.com/corretora/backoffice/pkg/db"
	"github.com/corretora/backoffice/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// appendRetryBudget bounds the optimistic retry loop. Exhausting it means the
// chain head moved five times while we were hashing, which only happens under
// pathological contention; the caller sees ErrChainContention.
const appendRetryBudget = 5

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, req ledgerdomain.AppendRequest) (*ledgerdomain.LedgerEntry, error) {
	return s.append(ctx, s.db, req, false)
}

func (s *Service) AppendTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.LedgerEntry, error) {
	if tx == nil {
		return nil, gorm.ErrInvalidTransaction
	}
	return s.append(ctx, tx, req, true)
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest, inTx bool) (*ledgerdomain.LedgerEntry, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	chainID := ledgerdomain.ChainID(req.Scope, req.TenantID)
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	// timestamptz stores microseconds. Hash exactly what the database will
	// return, or Verify recomputes a different payload after the round-trip.
	occurredAt = occurredAt.UTC().Truncate(time.Microsecond)

	var tenantID *snowflake.ID
	if req.Scope == ledgerdomain.ScopeTenant {
		id := req.TenantID
		tenantID = &id
	}

	for attempt := 1; attempt <= appendRetryBudget; attempt++ {
		prevHash, err := s.repo.LatestEntryHash(ctx, tx, chainID)
		if err != nil {
			return nil, err
		}

		entry := &ledgerdomain.LedgerEntry{
			ID:            s.genID.Generate(),
			ChainID:       chainID,
			Scope:         req.Scope,
			TenantID:      tenantID,
			ActorUsername: strings.TrimSpace(req.ActorUsername),
			ActorEmail:    strings.TrimSpace(req.ActorEmail),
			Action:        req.Action,
			EventType:     req.EventType,
			ResourceLabel: req.ResourceLabel,
			ResourceKey:   strings.TrimSpace(req.ResourceKey),
			Before:        datatypes.JSONMap(req.Before),
			After:         datatypes.JSONMap(req.After),
			Metadata:      datatypes.JSONMap(req.Metadata),
			RequestID:     strings.TrimSpace(req.RequestID),
			OccurredAt:    occurredAt,
			PrevHash:      prevHash,
			CreatedAt:     time.Now().UTC(),
		}
		entry.EntryHash = ComputeEntryHash(prevHash, CanonicalPayload(entry))

		err = s.insert(ctx, tx, entry, inTx)
		if err == nil {
			s.obsMetrics.RecordLedgerAppend(string(req.Scope), "ok")
			return entry, nil
		}
		if !db.IsDuplicateKeyErr(err) {
			s.obsMetrics.RecordLedgerAppend(string(req.Scope), "error")
			return nil, err
		}

		// Another writer claimed this prev_hash first. Re-read the chain
		// head and rebuild the entry.
		s.obsMetrics.RecordLedgerAppendRetry()
		s.log.Debug("ledger chain head moved, retrying append",
			zap.String("chain_id", chainID),
			zap.Int("attempt", attempt),
		)
	}

	s.obsMetrics.RecordLedgerAppend(string(req.Scope), "contention")
	return nil, ledgerdomain.ErrChainContention
}

// insert runs the single-row insert. Inside a caller transaction the attempt
// is wrapped in a savepoint so a duplicate-key failure does not poison the
// enclosing transaction on postgres.
func (s *Service) insert(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.LedgerEntry, inTx bool) error {
	if !inTx {
		return s.repo.Insert(ctx, tx, entry)
	}

	const savepoint = "ledger_append"
	if err := tx.SavePoint(savepoint).Error; err != nil {
		return err
	}
	if err := s.repo.Insert(ctx, tx, entry); err != nil {
		if rbErr := tx.RollbackTo(savepoint).Error; rbErr != nil {
			return rbErr
		}
		return err
	}
	return nil
}

func (s *Service) Verify(ctx context.Context, chainID string) (ledgerdomain.VerifyReport, error) {
	report := ledgerdomain.VerifyReport{ChainID: chainID, Valid: true}

	entries, err := s.repo.WalkChain(ctx, s.db, chainID)
	if err != nil {
		return ledgerdomain.VerifyReport{}, err
	}
	report.Entries = len(entries)

	prevHash := ""
	for i := range entries {
		entry := &entries[i]
		if entry.PrevHash != prevHash {
			id := entry.ID
			report.Valid = false
			report.FailID = &id
			report.Reason = "prev_hash does not match preceding entry"
			return report, nil
		}
		recomputed := ComputeEntryHash(entry.PrevHash, CanonicalPayload(entry))
		if recomputed != entry.EntryHash {
			id := entry.ID
			report.Valid = false
			report.FailID = &id
			report.Reason = "entry_hash mismatch, stored payload was altered"
			return report, nil
		}
		prevHash = entry.EntryHash
	}

	return report, nil
}

func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (ledgerdomain.ListResponse, error) {
	var chainID string
	switch {
	case req.Platform:
		chainID = ledgerdomain.PlatformChainID
	case req.TenantID != 0:
		chainID = ledgerdomain.ChainID(ledgerdomain.ScopeTenant, req.TenantID)
	default:
		return ledgerdomain.ListResponse{}, ledgerdomain.ErrTenantRequired
	}

	var cursor *ledgerdomain.Cursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return ledgerdomain.ListResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		cursor = &ledgerdomain.Cursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, ledgerdomain.ListFilter{
		ChainID:   chainID,
		Action:    req.Action,
		EventType: req.EventType,
		Cursor:    cursor,
		Limit:     int(pageSize),
	})
	if err != nil {
		return ledgerdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *ledgerdomain.LedgerEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	entries := make([]ledgerdomain.LedgerEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}

	resp := ledgerdomain.ListResponse{Entries: entries}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func validate(req *ledgerdomain.AppendRequest) error {
	switch req.Scope {
	case ledgerdomain.ScopeTenant:
		if req.TenantID == 0 {
			return ledgerdomain.ErrTenantRequired
		}
	case ledgerdomain.ScopePlatform:
		if req.TenantID != 0 {
			return ledgerdomain.ErrTenantForbidden
		}
	default:
		return ledgerdomain.ErrInvalidScope
	}

	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		return ledgerdomain.ErrInvalidAction
	}
	req.EventType = strings.TrimSpace(req.EventType)
	if req.EventType == "" {
		req.EventType = req.Action
	}
	req.ResourceLabel = strings.TrimSpace(req.ResourceLabel)
	if req.ResourceLabel == "" {
		return ledgerdomain.ErrInvalidResource
	}
	return nil
}

// CanonicalPayload serializes every hashed field of an entry with a fixed
// field order and fixed separators. JSON maps marshal with sorted keys, so the
// byte stream is deterministic for identical content.
func CanonicalPayload(entry *ledgerdomain.LedgerEntry) string {
	tenant := ""
	if entry.TenantID != nil {
		tenant = entry.TenantID.String()
	}

	var b strings.Builder
	writeField(&b, "chain_id", entry.ChainID)
	writeField(&b, "scope", string(entry.Scope))
	writeField(&b, "tenant_id", tenant)
	writeField(&b, "actor_username", entry.ActorUsername)
	writeField(&b, "actor_email", entry.ActorEmail)
	writeField(&b, "action", entry.Action)
	writeField(&b, "event_type", entry.EventType)
	writeField(&b, "resource_label", entry.ResourceLabel)
	writeField(&b, "resource_key", entry.ResourceKey)
	writeField(&b, "before", marshalSorted(entry.Before))
	writeField(&b, "after", marshalSorted(entry.After))
	writeField(&b, "metadata", marshalSorted(entry.Metadata))
	writeField(&b, "request_id", entry.RequestID)
	writeField(&b, "occurred_at", entry.OccurredAt.UTC().Format(time.RFC3339Nano))
	return b.String()
}

// ComputeEntryHash links an entry to its predecessor:
// entry_hash = hex(SHA256(prev_hash || canonical_payload)).
func ComputeEntryHash(prevHash, canonicalPayload string) string {
	sum := sha256.Sum256([]byte(prevHash + canonicalPayload))
	return hex.EncodeToString(sum[:])
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}

func marshalSorted(m datatypes.JSONMap) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(map[string]any(m))
	if err != nil {
		return ""
	}
	return string(raw)
}
