package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// DocumentStatus is the canonical lifecycle state of a fiscal document.
type DocumentStatus string

const (
	DocumentDraft      DocumentStatus = "draft"
	DocumentEmitting   DocumentStatus = "emitting"
	DocumentAuthorized DocumentStatus = "authorized"
	DocumentRejected   DocumentStatus = "rejected"
	DocumentCancelled  DocumentStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition happens.
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case DocumentAuthorized, DocumentRejected, DocumentCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// The only edges are DRAFT→EMITTING, EMITTING→{AUTHORIZED,REJECTED} and
// AUTHORIZED→CANCELLED; the status never moves backwards.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case DocumentDraft:
		return next == DocumentEmitting
	case DocumentEmitting:
		return next == DocumentAuthorized || next == DocumentRejected
	case DocumentAuthorized:
		return next == DocumentCancelled
	default:
		return false
	}
}

// FiscalDocument is one tax document tied to exactly one external invoice
// reference. The invoice id is a plain number, not a foreign key; invoicing
// lives in another bounded context. Documents are never deleted: cancellation
// is a status transition.
type FiscalDocument struct {
	ID       snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID snowflake.ID `json:"tenant_id" gorm:"not null;index"`

	InvoiceID int64 `json:"invoice_id" gorm:"not null;index"`

	// ProviderDocumentID is assigned by the external provider once the
	// document is accepted. Unique per tenant when non-empty.
	ProviderDocumentID string `json:"provider_document_id" gorm:"type:text;index"`

	Number    string     `json:"number" gorm:"type:text"`
	Series    string     `json:"series" gorm:"type:text"`
	IssueDate *time.Time `json:"issue_date"`

	// Amount in minor currency units.
	Amount int64 `json:"amount" gorm:"not null"`

	Status DocumentStatus `json:"status" gorm:"type:text;not null;index"`

	XMLContent    string `json:"-" gorm:"type:text"`
	XMLDocumentID string `json:"xml_document_id" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (FiscalDocument) TableName() string { return "fiscal_documents" }

func (d *FiscalDocument) HasXML() bool {
	return d != nil && (d.XMLContent != "" || d.XMLDocumentID != "")
}

// FiscalCustomerSnapshot freezes the counterparty's legal identity at issuance
// time so historical documents stay stable under CRM edits.
type FiscalCustomerSnapshot struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	DocumentID snowflake.ID `json:"document_id" gorm:"not null;uniqueIndex"`

	LegalName  string `json:"legal_name" gorm:"type:text;not null"`
	TaxID      string `json:"tax_id" gorm:"type:text;not null"`
	Email      string `json:"email" gorm:"type:text"`
	Address    string `json:"address" gorm:"type:text"`
	City       string `json:"city" gorm:"type:text"`
	State      string `json:"state" gorm:"type:text"`
	PostalCode string `json:"postal_code" gorm:"type:text"`
	Country    string `json:"country" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

func (FiscalCustomerSnapshot) TableName() string { return "fiscal_customer_snapshots" }

// JobStatus is the lifecycle state of the asynchronous issuance work item.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// FiscalJob is the outstanding asynchronous work item for one document.
// At most one job exists per document.
type FiscalJob struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID   snowflake.ID `json:"tenant_id" gorm:"not null;index"`
	DocumentID snowflake.ID `json:"document_id" gorm:"not null;uniqueIndex"`

	Status      JobStatus  `json:"status" gorm:"type:text;not null;index"`
	Attempts    int        `json:"attempts" gorm:"not null;default:0"`
	LastError   string     `json:"last_error" gorm:"type:text"`
	NextRetryAt *time.Time `json:"next_retry_at" gorm:"index"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (FiscalJob) TableName() string { return "fiscal_jobs" }

var (
	ErrDocumentNotFound        = errors.New("fiscal_document_not_found")
	ErrInvalidTenant           = errors.New("invalid_tenant")
	ErrInvalidInvoice          = errors.New("invalid_invoice")
	ErrInvalidCustomer         = errors.New("invalid_customer")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrAlreadyCancelled        = errors.New("fiscal_document_already_cancelled")
	ErrNotCancellable          = errors.New("fiscal_document_not_cancellable")
	ErrNoProviderID            = errors.New("fiscal_document_missing_provider_id")
	ErrJobNotFound             = errors.New("fiscal_job_not_found")
	ErrJobNotFailed            = errors.New("fiscal_job_not_failed")
	ErrNoActiveProvider        = errors.New("no_active_fiscal_provider")
	ErrUnsupportedProvider     = errors.New("unsupported_fiscal_provider")
	ErrInvalidSignature        = errors.New("invalid_webhook_signature")
	ErrWebhookSecretMissing    = errors.New("webhook_secret_missing")
	ErrUnknownProviderDocument = errors.New("unknown_provider_document")
	ErrInvalidPayload          = errors.New("invalid_payload")
)
