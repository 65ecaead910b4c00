package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Scope selects which chain an entry belongs to.
type Scope string

const (
	ScopeTenant   Scope = "tenant"
	ScopePlatform Scope = "platform"
)

// PlatformChainID is the single chain shared by platform-level events.
const PlatformChainID = "platform"

// ChainID returns the chain identifier for a scope and tenant.
func ChainID(scope Scope, tenantID snowflake.ID) string {
	if scope == ScopePlatform {
		return PlatformChainID
	}
	return fmt.Sprintf("tenant:%s", tenantID)
}

// LedgerEntry is one hash-linked audit record. Entries are immutable: they are
// inserted exactly once and never updated or deleted.
//
// The unique index on (chain_id, prev_hash) is the append-only guarantee: two
// entries can never claim the same predecessor, so every chain stays strictly
// linear even under concurrent writers.
type LedgerEntry struct {
	ID      snowflake.ID `json:"id" gorm:"primaryKey"`
	ChainID string       `json:"chain_id" gorm:"type:text;not null;index;uniqueIndex:ux_ledger_entries_chain_prev,priority:1;uniqueIndex:ux_ledger_entries_chain_hash,priority:1"`
	Scope   Scope        `json:"scope" gorm:"type:text;not null"`

	TenantID *snowflake.ID `json:"tenant_id,omitempty" gorm:"index"`

	// Actor identity is a snapshot taken at write time, not a live reference.
	ActorUsername string `json:"actor_username" gorm:"type:text"`
	ActorEmail    string `json:"actor_email" gorm:"type:text"`

	Action        string `json:"action" gorm:"type:text;not null"`
	EventType     string `json:"event_type" gorm:"type:text;not null"`
	ResourceLabel string `json:"resource_label" gorm:"type:text;not null"`
	ResourceKey   string `json:"resource_key" gorm:"type:text"`

	Before   datatypes.JSONMap `json:"before,omitempty"`
	After    datatypes.JSONMap `json:"after,omitempty"`
	Metadata datatypes.JSONMap `json:"metadata,omitempty"`

	RequestID  string    `json:"request_id" gorm:"type:text"`
	OccurredAt time.Time `json:"occurred_at" gorm:"not null"`

	PrevHash  string `json:"prev_hash" gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_chain_prev,priority:2"`
	EntryHash string `json:"entry_hash" gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_chain_hash,priority:2"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// AppendRequest carries everything the append operation hashes and stores.
type AppendRequest struct {
	Scope    Scope
	TenantID snowflake.ID

	ActorUsername string
	ActorEmail    string

	Action        string
	EventType     string
	ResourceLabel string
	ResourceKey   string

	Before   map[string]any
	After    map[string]any
	Metadata map[string]any

	RequestID  string
	OccurredAt time.Time
}

type ListRequest struct {
	pagination.Pagination
	TenantID  snowflake.ID
	Platform  bool
	Action    string
	EventType string
}

type ListResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

// VerifyReport is the result of walking one chain from its first entry.
type VerifyReport struct {
	ChainID string        `json:"chain_id"`
	Entries int           `json:"entries"`
	Valid   bool          `json:"valid"`
	FailID  *snowflake.ID `json:"fail_id,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

type Service interface {
	// Append writes one entry in its own transaction.
	Append(ctx context.Context, req AppendRequest) (*LedgerEntry, error)
	// AppendTx writes one entry inside the caller's transaction so document
	// mutations and their audit record commit or roll back together.
	AppendTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (*LedgerEntry, error)
	Verify(ctx context.Context, chainID string) (VerifyReport, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error
	LatestEntryHash(ctx context.Context, tx *gorm.DB, chainID string) (string, error)
	WalkChain(ctx context.Context, db *gorm.DB, chainID string) ([]LedgerEntry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*LedgerEntry, error)
}

type ListFilter struct {
	ChainID   string
	Action    string
	EventType string
	Cursor    *Cursor
	Limit     int
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

var (
	ErrInvalidScope     = errors.New("invalid_scope")
	ErrTenantRequired   = errors.New("tenant_required")
	ErrTenantForbidden  = errors.New("tenant_forbidden")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidResource  = errors.New("invalid_resource")
	ErrChainContention  = errors.New("ledger_chain_contention")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
