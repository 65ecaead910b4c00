package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/clock"
	"github.com/corretora/backoffice/internal/fiscal/adapters"
	"github.com/corretora/backoffice/internal/fiscal/domain"
	providerdomain "github.com/corretora/backoffice/internal/fiscal/providers/domain"
	"github.com/corretora/backoffice/internal/fiscal/statusalias"
	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	"github.com/corretora/backoffice/internal/masking"
	obsmetrics "github.com/corretora/backoffice/internal/observability/metrics"
	"github.com/corretora/backoffice/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// adapterCallTimeout bounds every synchronous provider round-trip. A timeout
// classifies as retryable and flows into the job backoff path.
const adapterCallTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Repo         domain.Repository
	Adapters     *adapters.Registry
	ProvidersSvc providerdomain.Service
	LedgerSvc    ledgerdomain.Service
	Queue        domain.JobQueue
	Clock        clock.Clock
	Aliases      *statusalias.Holder
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	repo         domain.Repository
	adapters     *adapters.Registry
	providersSvc providerdomain.Service
	ledgerSvc    ledgerdomain.Service
	queue        domain.JobQueue
	clock        clock.Clock
	aliases      *statusalias.Holder
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("fiscal.service"),
		genID:        p.GenID,
		repo:         p.Repo,
		adapters:     p.Adapters,
		providersSvc: p.ProvidersSvc,
		ledgerSvc:    p.LedgerSvc,
		queue:        p.Queue,
		clock:        p.Clock,
		aliases:      p.Aliases,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Issue(ctx context.Context, tenantID snowflake.ID, req domain.IssueRequest) (*domain.DocumentView, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	if req.InvoiceID <= 0 {
		return nil, domain.ErrInvalidInvoice
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.Customer.LegalName) == "" || strings.TrimSpace(req.Customer.TaxID) == "" {
		return nil, domain.ErrInvalidCustomer
	}

	adapter, provider, err := s.resolveAdapter(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	doc := &domain.FiscalDocument{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		InvoiceID: req.InvoiceID,
		Series:    strings.TrimSpace(req.Series),
		Amount:    req.Amount,
		Status:    domain.DocumentEmitting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	snap := &domain.FiscalCustomerSnapshot{
		ID:         s.genID.Generate(),
		DocumentID: doc.ID,
		LegalName:  strings.TrimSpace(req.Customer.LegalName),
		TaxID:      strings.TrimSpace(req.Customer.TaxID),
		Email:      strings.TrimSpace(req.Customer.Email),
		Address:    strings.TrimSpace(req.Customer.Address),
		City:       strings.TrimSpace(req.Customer.City),
		State:      strings.TrimSpace(req.Customer.State),
		PostalCode: strings.TrimSpace(req.Customer.PostalCode),
		Country:    strings.TrimSpace(req.Customer.Country),
		CreatedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.InsertDocument(ctx, tx, doc); err != nil {
			return err
		}
		if err := s.repo.InsertSnapshot(ctx, tx, snap); err != nil {
			return err
		}
		return s.appendLedger(ctx, tx, tenantID, "fiscal.document_issued", doc.ID, nil, map[string]any{
			"invoice_id": doc.InvoiceID,
			"amount":     doc.Amount,
			"status":     string(doc.Status),
			"provider":   provider,
		}, nil)
	})
	if err != nil {
		return nil, err
	}
	s.obsMetrics.RecordDocumentTransition(string(domain.DocumentDraft), string(domain.DocumentEmitting))

	callCtx, cancel := context.WithTimeout(ctx, adapterCallTimeout)
	result, callErr := adapter.Issue(callCtx, issuePayload(doc, snap, now))
	cancel()

	if callErr != nil {
		if domain.IsRetryable(callErr) {
			// Transient provider failure. The document stays EMITTING and
			// the worker takes over with backoff.
			var job *domain.FiscalJob
			err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var qErr error
				job, qErr = s.queue.Enqueue(ctx, tx, tenantID, doc.ID)
				return qErr
			})
			if err != nil {
				return nil, err
			}
			s.log.Warn("synchronous issuance failed, queued for retry",
				zap.String("document_id", doc.ID.String()),
				zap.String("error", masking.MaskMessage(callErr.Error())),
			)
			return s.view(doc, snap, job), nil
		}

		// Fiscal rejection is terminal: record it and surface the error.
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, lErr := s.repo.FindDocumentForUpdate(ctx, tx, doc.ID)
			if lErr != nil {
				return lErr
			}
			if locked == nil || locked.Status.IsTerminal() {
				return nil
			}
			from := locked.Status
			locked.Status = domain.DocumentRejected
			locked.UpdatedAt = s.clock.Now()
			if uErr := s.repo.UpdateDocument(ctx, tx, locked); uErr != nil {
				return uErr
			}
			s.obsMetrics.RecordDocumentTransition(string(from), string(locked.Status))
			*doc = *locked
			return s.appendLedger(ctx, tx, tenantID, "fiscal.document_rejected", doc.ID,
				map[string]any{"status": string(from)},
				map[string]any{"status": string(locked.Status)},
				map[string]any{"error": masking.MaskMessage(callErr.Error())},
			)
		})
		if err != nil {
			return nil, err
		}
		return nil, callErr
	}

	updated, err := s.applyIssueResult(ctx, tenantID, doc.ID, result)
	if err != nil {
		return nil, err
	}

	var job *domain.FiscalJob
	if !updated.Status.IsTerminal() {
		// Provider accepted but is still processing; poll via the worker.
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var qErr error
			job, qErr = s.queue.Enqueue(ctx, tx, tenantID, updated.ID)
			return qErr
		})
		if err != nil {
			return nil, err
		}
	}
	return s.view(updated, snap, job), nil
}

func (s *Service) Cancel(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (*domain.DocumentView, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}

	doc, err := s.repo.FindDocument(ctx, s.db, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.ErrDocumentNotFound
	}
	if err := cancellable(doc); err != nil {
		return nil, err
	}

	adapter, _, err := s.resolveAdapter(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, adapterCallTimeout)
	result, err := adapter.Cancel(callCtx, doc.ProviderDocumentID)
	cancel()
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, lErr := s.repo.FindDocumentForUpdate(ctx, tx, documentID)
		if lErr != nil {
			return lErr
		}
		if locked == nil {
			return domain.ErrDocumentNotFound
		}
		if cErr := cancellable(locked); cErr != nil {
			return cErr
		}

		from := locked.Status
		locked.Status = domain.DocumentCancelled
		locked.UpdatedAt = s.clock.Now()
		if uErr := s.repo.UpdateDocument(ctx, tx, locked); uErr != nil {
			return uErr
		}
		s.obsMetrics.RecordDocumentTransition(string(from), string(locked.Status))
		doc = locked

		return s.appendLedger(ctx, tx, tenantID, "fiscal.document_cancelled", documentID,
			map[string]any{"status": string(from)},
			map[string]any{"status": string(locked.Status)},
			map[string]any{"provider_status": result.Status},
		)
	})
	if err != nil {
		return nil, err
	}

	return s.loadView(ctx, doc)
}

func (s *Service) Retry(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (*domain.RetryReceipt, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}

	doc, err := s.repo.FindDocument(ctx, s.db, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.ErrDocumentNotFound
	}

	var receipt *domain.RetryReceipt
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, jErr := s.repo.FindJobByDocumentForUpdate(ctx, tx, documentID)
		if jErr != nil {
			return jErr
		}
		if job == nil {
			return domain.ErrJobNotFound
		}
		if job.Status != domain.JobFailed {
			return domain.ErrJobNotFailed
		}

		// Re-queue for immediate execution; attempts are preserved so the
		// backoff history survives manual retries.
		now := s.clock.Now()
		job.Status = domain.JobQueued
		job.LastError = ""
		job.NextRetryAt = &now
		job.UpdatedAt = now
		if uErr := s.repo.UpdateJob(ctx, tx, job); uErr != nil {
			return uErr
		}

		receipt = &domain.RetryReceipt{
			DocumentID:  documentID,
			JobID:       job.ID,
			JobStatus:   job.Status,
			NextRetryAt: job.NextRetryAt,
		}
		return s.appendLedger(ctx, tx, tenantID, "fiscal.document_retry_requested", documentID,
			nil,
			map[string]any{"job_status": string(job.Status), "attempts": job.Attempts},
			nil,
		)
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (*domain.DocumentView, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	doc, err := s.repo.FindDocument(ctx, s.db, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, domain.ErrDocumentNotFound
	}
	return s.loadView(ctx, doc)
}

func (s *Service) GetXML(ctx context.Context, tenantID snowflake.ID, documentID snowflake.ID) (string, error) {
	if tenantID == 0 {
		return "", domain.ErrInvalidTenant
	}
	doc, err := s.repo.FindDocument(ctx, s.db, tenantID, documentID)
	if err != nil {
		return "", err
	}
	if doc == nil || doc.XMLContent == "" {
		return "", domain.ErrDocumentNotFound
	}
	return doc.XMLContent, nil
}

func (s *Service) List(ctx context.Context, req domain.ListDocumentsRequest) (domain.ListDocumentsResponse, error) {
	if req.TenantID == 0 {
		return domain.ListDocumentsResponse{}, domain.ErrInvalidTenant
	}
	if req.PageSize <= 0 {
		req.PageSize = 50
	}
	if req.PageSize > 250 {
		req.PageSize = 250
	}

	docs, err := s.repo.ListDocuments(ctx, s.db, req)
	if err != nil {
		return domain.ListDocumentsResponse{}, err
	}

	hasMore := len(docs) > int(req.PageSize)
	if hasMore {
		docs = docs[:req.PageSize]
	}

	views := make([]domain.DocumentView, 0, len(docs))
	for i := range docs {
		doc := docs[i]
		doc.XMLContent = ""
		views = append(views, domain.DocumentView{
			Document: doc,
			HasXML:   docs[i].HasXML(),
		})
	}
	return domain.ListDocumentsResponse{Documents: views}, nil
}

// applyIssueResult re-locks the document and folds the provider's response
// into it, normalizing the raw status through the alias table.
func (s *Service) applyIssueResult(ctx context.Context, tenantID, documentID snowflake.ID, result *domain.ProviderResult) (*domain.FiscalDocument, error) {
	var doc *domain.FiscalDocument
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, lErr := s.repo.FindDocumentForUpdate(ctx, tx, documentID)
		if lErr != nil {
			return lErr
		}
		if locked == nil {
			return domain.ErrDocumentNotFound
		}

		from := locked.Status
		changed := domain.ApplyProviderResult(locked, result, s.aliases.Normalize, s.clock.Now())
		doc = locked
		if !changed {
			return nil
		}
		if uErr := s.repo.UpdateDocument(ctx, tx, locked); uErr != nil {
			return uErr
		}
		if from != locked.Status {
			s.obsMetrics.RecordDocumentTransition(string(from), string(locked.Status))
		}
		return s.appendLedger(ctx, tx, tenantID, "fiscal.document_status_changed", documentID,
			map[string]any{"status": string(from)},
			map[string]any{"status": string(locked.Status)},
			map[string]any{"provider_status": result.Status, "provider_document_id": locked.ProviderDocumentID},
		)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) resolveAdapter(ctx context.Context, tenantID snowflake.ID) (domain.Adapter, string, error) {
	active, err := s.providersSvc.Active(ctx, tenantID)
	if err != nil {
		if errors.Is(err, providerdomain.ErrConfigNotFound) {
			return nil, "", domain.ErrNoActiveProvider
		}
		return nil, "", err
	}

	adapter, err := s.adapters.NewAdapter(active.Provider, domain.AdapterConfig{
		TenantID: tenantID,
		Provider: active.Provider,
		Config:   active.Config,
	})
	if err != nil {
		return nil, "", err
	}
	return adapter, active.Provider, nil
}

func (s *Service) appendLedger(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, action string, documentID snowflake.ID, before, after, metadata map[string]any) error {
	actor, _ := tenantctx.ActorFromContext(ctx)
	_, err := s.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
		Scope:         ledgerdomain.ScopeTenant,
		TenantID:      tenantID,
		ActorUsername: actor.Username,
		ActorEmail:    actor.Email,
		Action:        action,
		EventType:     "fiscal_document",
		ResourceLabel: "fiscal_document",
		ResourceKey:   documentID.String(),
		Before:        before,
		After:         after,
		Metadata:      metadata,
		RequestID:     tenantctx.RequestIDFromContext(ctx),
	})
	return err
}

func (s *Service) loadView(ctx context.Context, doc *domain.FiscalDocument) (*domain.DocumentView, error) {
	snap, err := s.repo.FindSnapshot(ctx, s.db, doc.ID)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.FindJobByDocument(ctx, s.db, doc.ID)
	if err != nil {
		return nil, err
	}
	return s.view(doc, snap, job), nil
}

func (s *Service) view(doc *domain.FiscalDocument, snap *domain.FiscalCustomerSnapshot, job *domain.FiscalJob) *domain.DocumentView {
	out := *doc
	hasXML := out.HasXML()
	out.XMLContent = ""
	return &domain.DocumentView{
		Document: out,
		Snapshot: snap,
		Job:      job,
		HasXML:   hasXML,
	}
}

func cancellable(doc *domain.FiscalDocument) error {
	switch {
	case doc.Status == domain.DocumentCancelled:
		return domain.ErrAlreadyCancelled
	case doc.Status != domain.DocumentAuthorized:
		return domain.ErrNotCancellable
	case doc.ProviderDocumentID == "":
		return domain.ErrNoProviderID
	}
	return nil
}

func issuePayload(doc *domain.FiscalDocument, snap *domain.FiscalCustomerSnapshot, now time.Time) domain.IssuePayload {
	return domain.IssuePayload{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		InvoiceID:  doc.InvoiceID,
		Amount:     doc.Amount,
		IssueDate:  now,
		Series:     doc.Series,

		CustomerLegalName:  snap.LegalName,
		CustomerTaxID:      snap.TaxID,
		CustomerEmail:      snap.Email,
		CustomerAddress:    snap.Address,
		CustomerCity:       snap.City,
		CustomerState:      snap.State,
		CustomerPostalCode: snap.PostalCode,
		CustomerCountry:    snap.Country,
	}
}
