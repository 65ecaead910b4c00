package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/pkg/db/pagination"
	"gorm.io/gorm"
)

// CustomerInput is the already-resolved counterparty payload supplied by the
// CRM collaborator. It is frozen into a FiscalCustomerSnapshot at issuance.
type CustomerInput struct {
	LegalName  string `json:"legal_name"`
	TaxID      string `json:"tax_id"`
	Email      string `json:"email"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type IssueRequest struct {
	InvoiceID int64         `json:"invoice_id"`
	Amount    int64         `json:"amount"`
	Series    string        `json:"series"`
	Customer  CustomerInput `json:"customer"`
}

// DocumentView is the read model returned to callers: the document plus its
// snapshot and the computed has_xml flag (raw XML stays off the list payload).
type DocumentView struct {
	Document FiscalDocument          `json:"document"`
	Snapshot *FiscalCustomerSnapshot `json:"customer_snapshot,omitempty"`
	Job      *FiscalJob              `json:"job,omitempty"`
	HasXML   bool                    `json:"has_xml"`
}

type ListDocumentsRequest struct {
	pagination.Pagination
	TenantID snowflake.ID
	Status   DocumentStatus
}

type ListDocumentsResponse struct {
	Documents []DocumentView       `json:"documents"`
	PageInfo  *pagination.PageInfo `json:"page_info,omitempty"`
}

// RetryReceipt is returned on an accepted manual retry of a failed job.
type RetryReceipt struct {
	DocumentID  snowflake.ID `json:"document_id"`
	JobID       snowflake.ID `json:"job_id"`
	JobStatus   JobStatus    `json:"job_status"`
	NextRetryAt *time.Time   `json:"next_retry_at"`
}

type Service interface {
	// Issue validates the invoice payload, freezes the customer snapshot and
	// drives the document through its first provider round-trip. The document,
	// snapshot and ledger entry commit in one transaction.
	Issue(ctx context.Context, tenantID snowflake.ID, req IssueRequest) (*DocumentView, error)
	// Cancel requires an authorized document with a provider id. Cancelling an
	// already cancelled document is a conflict, not a silent success.
	Cancel(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (*DocumentView, error)
	// Retry re-queues the document's job only when that job is FAILED.
	Retry(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (*RetryReceipt, error)
	Get(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (*DocumentView, error)
	GetXML(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (string, error)
	List(ctx context.Context, req ListDocumentsRequest) (ListDocumentsResponse, error)
}

// JobQueue is the enqueue side of the asynchronous worker. Enqueue is
// idempotent: it creates a queued job when none exists, re-queues a failed
// one and leaves queued/running/succeeded jobs untouched.
type JobQueue interface {
	Enqueue(ctx context.Context, tx *gorm.DB, tenantID, documentID snowflake.ID) (*FiscalJob, error)
}

// Repository persists documents, snapshots and jobs. Mutating methods accept
// the caller's *gorm.DB so they compose into enclosing transactions; the
// ForUpdate variants take row locks and must run inside one.
type Repository interface {
	InsertDocument(ctx context.Context, db *gorm.DB, doc *FiscalDocument) error
	InsertSnapshot(ctx context.Context, db *gorm.DB, snap *FiscalCustomerSnapshot) error
	FindDocument(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*FiscalDocument, error)
	FindDocumentForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*FiscalDocument, error)
	FindDocumentByProviderID(ctx context.Context, db *gorm.DB, providerDocumentID string) (*FiscalDocument, error)
	FindSnapshot(ctx context.Context, db *gorm.DB, documentID snowflake.ID) (*FiscalCustomerSnapshot, error)
	ListDocuments(ctx context.Context, db *gorm.DB, req ListDocumentsRequest) ([]FiscalDocument, error)
	UpdateDocument(ctx context.Context, db *gorm.DB, doc *FiscalDocument) error

	InsertJob(ctx context.Context, db *gorm.DB, job *FiscalJob) error
	FindJobByDocument(ctx context.Context, db *gorm.DB, documentID snowflake.ID) (*FiscalJob, error)
	FindJobByDocumentForUpdate(ctx context.Context, tx *gorm.DB, documentID snowflake.ID) (*FiscalJob, error)
	FindJobForUpdate(ctx context.Context, tx *gorm.DB, jobID snowflake.ID) (*FiscalJob, error)
	// ListDueJobIDs picks queued jobs and failed jobs whose retry is due,
	// plus running jobs untouched since stuckBefore (crash recovery).
	ListDueJobIDs(ctx context.Context, db *gorm.DB, now, stuckBefore time.Time, limit int) ([]snowflake.ID, error)
	UpdateJob(ctx context.Context, db *gorm.DB, job *FiscalJob) error
}
