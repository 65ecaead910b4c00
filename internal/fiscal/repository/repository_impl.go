package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/fiscal/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertDocument(ctx context.Context, db *gorm.DB, doc *domain.FiscalDocument) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO fiscal_documents (
			id, tenant_id, invoice_id, provider_document_id,
			number, series, issue_date, amount, status,
			xml_content, xml_document_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.TenantID,
		doc.InvoiceID,
		doc.ProviderDocumentID,
		doc.Number,
		doc.Series,
		doc.IssueDate,
		doc.Amount,
		doc.Status,
		doc.XMLContent,
		doc.XMLDocumentID,
		doc.CreatedAt,
		doc.UpdatedAt,
	).Error
}

func (r *repo) InsertSnapshot(ctx context.Context, db *gorm.DB, snap *domain.FiscalCustomerSnapshot) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO fiscal_customer_snapshots (
			id, document_id, legal_name, tax_id, email,
			address, city, state, postal_code, country, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.DocumentID,
		snap.LegalName,
		snap.TaxID,
		snap.Email,
		snap.Address,
		snap.City,
		snap.State,
		snap.PostalCode,
		snap.Country,
		snap.CreatedAt,
	).Error
}

func (r *repo) FindDocument(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.FiscalDocument, error) {
	var doc domain.FiscalDocument
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *repo) FindDocumentForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.FiscalDocument, error) {
	var docs []domain.FiscalDocument
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM fiscal_documents WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&docs).Error
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (r *repo) FindDocumentByProviderID(ctx context.Context, db *gorm.DB, providerDocumentID string) (*domain.FiscalDocument, error) {
	if providerDocumentID == "" {
		return nil, nil
	}
	var doc domain.FiscalDocument
	err := db.WithContext(ctx).
		Where("provider_document_id = ?", providerDocumentID).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *repo) FindSnapshot(ctx context.Context, db *gorm.DB, documentID snowflake.ID) (*domain.FiscalCustomerSnapshot, error) {
	var snap domain.FiscalCustomerSnapshot
	err := db.WithContext(ctx).
		Where("document_id = ?", documentID).
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *repo) ListDocuments(ctx context.Context, db *gorm.DB, req domain.ListDocumentsRequest) ([]domain.FiscalDocument, error) {
	var docs []domain.FiscalDocument
	stmt := db.WithContext(ctx).Model(&domain.FiscalDocument{}).
		Where("tenant_id = ?", req.TenantID)

	if req.Status != "" {
		stmt = stmt.Where("status = ?", req.Status)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if req.PageSize > 0 {
		stmt = stmt.Limit(int(req.PageSize) + 1)
	}

	if err := stmt.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *repo) UpdateDocument(ctx context.Context, db *gorm.DB, doc *domain.FiscalDocument) error {
	return db.WithContext(ctx).Exec(
		`UPDATE fiscal_documents
		 SET provider_document_id = ?, number = ?, series = ?, issue_date = ?,
		     amount = ?, status = ?, xml_content = ?, xml_document_id = ?,
		     updated_at = ?
		 WHERE id = ?`,
		doc.ProviderDocumentID,
		doc.Number,
		doc.Series,
		doc.IssueDate,
		doc.Amount,
		doc.Status,
		doc.XMLContent,
		doc.XMLDocumentID,
		doc.UpdatedAt,
		doc.ID,
	).Error
}

func (r *repo) InsertJob(ctx context.Context, db *gorm.DB, job *domain.FiscalJob) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO fiscal_jobs (
			id, tenant_id, document_id, status, attempts,
			last_error, next_retry_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.TenantID,
		job.DocumentID,
		job.Status,
		job.Attempts,
		job.LastError,
		job.NextRetryAt,
		job.CreatedAt,
		job.UpdatedAt,
	).Error
}

func (r *repo) FindJobByDocument(ctx context.Context, db *gorm.DB, documentID snowflake.ID) (*domain.FiscalJob, error) {
	var job domain.FiscalJob
	err := db.WithContext(ctx).
		Where("document_id = ?", documentID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repo) FindJobByDocumentForUpdate(ctx context.Context, tx *gorm.DB, documentID snowflake.ID) (*domain.FiscalJob, error) {
	var jobs []domain.FiscalJob
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM fiscal_jobs WHERE document_id = ? FOR UPDATE`,
		documentID,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (r *repo) FindJobForUpdate(ctx context.Context, tx *gorm.DB, jobID snowflake.ID) (*domain.FiscalJob, error) {
	var jobs []domain.FiscalJob
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM fiscal_jobs WHERE id = ? FOR UPDATE`,
		jobID,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (r *repo) ListDueJobIDs(ctx context.Context, db *gorm.DB, now, stuckBefore time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM fiscal_jobs
		 WHERE (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		    OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		    OR (status = ? AND updated_at <= ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.JobQueued,
		now,
		domain.JobFailed,
		now,
		domain.JobRunning,
		stuckBefore,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) UpdateJob(ctx context.Context, db *gorm.DB, job *domain.FiscalJob) error {
	return db.WithContext(ctx).Exec(
		`UPDATE fiscal_jobs
		 SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		job.Status,
		job.Attempts,
		job.LastError,
		job.NextRetryAt,
		job.UpdatedAt,
		job.ID,
	).Error
}
