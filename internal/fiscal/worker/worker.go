package worker

import (
	"context"
	"errors"
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
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Repo         domain.Repository
	Adapters     *adapters.Registry
	ProvidersSvc providerdomain.Service
	LedgerSvc    ledgerdomain.Service
	Clock        clock.Clock
	Aliases      *statusalias.Holder
	Lock         *DrainLock          `optional:"true"`
	Config       Config              `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

// Worker drives queued fiscal jobs through provider round-trips. Each run is
// split into a locked prepare, an unlocked adapter call and a locked commit;
// the transaction boundary never spans network I/O.
type Worker struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	repo         domain.Repository
	adapters     *adapters.Registry
	providersSvc providerdomain.Service
	ledgerSvc    ledgerdomain.Service
	clock        clock.Clock
	aliases      *statusalias.Holder
	lock         *DrainLock
	obsMetrics   *obsmetrics.Metrics
}

func New(p Params) *Worker {
	return &Worker{
		db:           p.DB,
		log:          p.Log.Named("fiscal.worker"),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		repo:         p.Repo,
		adapters:     p.Adapters,
		providersSvc: p.ProvidersSvc,
		ledgerSvc:    p.LedgerSvc,
		clock:        p.Clock,
		aliases:      p.Aliases,
		lock:         p.Lock,
		obsMetrics:   p.ObsMetrics,
	}
}

// Enqueue is idempotent: no job means create one queued for immediate
// execution, a failed job is re-queued with its error cleared and its
// attempts preserved, anything else is left untouched. Runs inside the
// caller's transaction.
func (w *Worker) Enqueue(ctx context.Context, tx *gorm.DB, tenantID, documentID snowflake.ID) (*domain.FiscalJob, error) {
	job, err := w.repo.FindJobByDocumentForUpdate(ctx, tx, documentID)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now()
	if job == nil {
		job = &domain.FiscalJob{
			ID:          w.genID.Generate(),
			TenantID:    tenantID,
			DocumentID:  documentID,
			Status:      domain.JobQueued,
			NextRetryAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := w.repo.InsertJob(ctx, tx, job); err != nil {
			return nil, err
		}
		return job, nil
	}

	if job.Status == domain.JobFailed {
		job.Status = domain.JobQueued
		job.LastError = ""
		job.NextRetryAt = &now
		job.UpdatedAt = now
		if err := w.repo.UpdateJob(ctx, tx, job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// preparedJob is the state claimed in phase one, carried across the unlocked
// adapter call.
type preparedJob struct {
	job  domain.FiscalJob
	doc  domain.FiscalDocument
	snap *domain.FiscalCustomerSnapshot
}

// Process runs one job through a full prepare / adapter call / commit cycle.
// Adapter failures are recorded on the job and never returned; only
// persistence errors propagate to the drain loop.
func (w *Worker) Process(ctx context.Context, jobID snowflake.ID) error {
	start := time.Now()

	prep, err := w.prepare(ctx, jobID)
	if err != nil {
		w.obsMetrics.RecordJobRun("error", time.Since(start))
		return err
	}
	if prep == nil {
		w.obsMetrics.RecordJobRun("skipped", time.Since(start))
		return nil
	}

	result, callErr := w.callProvider(ctx, prep)
	if callErr != nil {
		if err := w.fail(ctx, prep, callErr); err != nil {
			w.obsMetrics.RecordJobRun("error", time.Since(start))
			return err
		}
		w.obsMetrics.RecordJobRun("failed", time.Since(start))
		return nil
	}

	requeued, err := w.commit(ctx, prep, result)
	if err != nil {
		w.obsMetrics.RecordJobRun("error", time.Since(start))
		return err
	}
	if requeued {
		w.obsMetrics.RecordJobRun("requeued", time.Since(start))
	} else {
		w.obsMetrics.RecordJobRun("succeeded", time.Since(start))
	}
	return nil
}

// prepare claims the job under row locks: terminal documents short-circuit to
// SUCCEEDED, jobs not yet due are skipped, everything else flips to RUNNING
// with the attempt counted. Returns nil when there is nothing to do.
func (w *Worker) prepare(ctx context.Context, jobID snowflake.ID) (*preparedJob, error) {
	var prep *preparedJob
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := w.repo.FindJobForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return domain.ErrJobNotFound
		}
		if job.Status == domain.JobSucceeded {
			return nil
		}

		doc, err := w.repo.FindDocumentForUpdate(ctx, tx, job.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil {
			return domain.ErrDocumentNotFound
		}

		now := w.clock.Now()
		if doc.Status.IsTerminal() {
			job.Status = domain.JobSucceeded
			job.NextRetryAt = nil
			job.UpdatedAt = now
			return w.repo.UpdateJob(ctx, tx, job)
		}

		if job.Status != domain.JobRunning && job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			return nil
		}

		if w.cfg.MaxAttempts > 0 && job.Attempts >= w.cfg.MaxAttempts {
			job.Status = domain.JobFailed
			job.LastError = "max attempts reached"
			job.NextRetryAt = nil
			job.UpdatedAt = now
			return w.repo.UpdateJob(ctx, tx, job)
		}

		job.Status = domain.JobRunning
		job.Attempts++
		job.LastError = ""
		job.UpdatedAt = now
		if err := w.repo.UpdateJob(ctx, tx, job); err != nil {
			return err
		}

		var snap *domain.FiscalCustomerSnapshot
		if doc.ProviderDocumentID == "" {
			snap, err = w.repo.FindSnapshot(ctx, tx, doc.ID)
			if err != nil {
				return err
			}
		}

		prep = &preparedJob{job: *job, doc: *doc, snap: snap}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prep, nil
}

// callProvider performs the unlocked network round-trip: issue when the
// document has no provider id yet, otherwise a status check.
func (w *Worker) callProvider(ctx context.Context, prep *preparedJob) (*domain.ProviderResult, error) {
	active, err := w.providersSvc.Active(ctx, prep.doc.TenantID)
	if err != nil {
		if errors.Is(err, providerdomain.ErrConfigNotFound) {
			return nil, domain.ErrNoActiveProvider
		}
		return nil, err
	}
	adapter, err := w.adapters.NewAdapter(active.Provider, domain.AdapterConfig{
		TenantID: prep.doc.TenantID,
		Provider: active.Provider,
		Config:   active.Config,
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.AdapterTimeout)
	defer cancel()

	if prep.doc.ProviderDocumentID == "" {
		if prep.snap == nil {
			return nil, domain.ErrInvalidCustomer
		}
		return adapter.Issue(callCtx, issuePayload(&prep.doc, prep.snap, w.clock.Now()))
	}
	return adapter.CheckStatus(callCtx, prep.doc.ProviderDocumentID)
}

// commit re-locks job and document, folds the provider result in and either
// completes the job or re-queues it with backoff. Reports whether the job was
// re-queued.
func (w *Worker) commit(ctx context.Context, prep *preparedJob, result *domain.ProviderResult) (bool, error) {
	requeued := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := w.repo.FindJobForUpdate(ctx, tx, prep.job.ID)
		if err != nil {
			return err
		}
		doc, err := w.repo.FindDocumentForUpdate(ctx, tx, prep.doc.ID)
		if err != nil {
			return err
		}
		if job == nil || doc == nil {
			return domain.ErrJobNotFound
		}

		now := w.clock.Now()
		from := doc.Status
		if domain.ApplyProviderResult(doc, result, w.aliases.Normalize, now) {
			if err := w.repo.UpdateDocument(ctx, tx, doc); err != nil {
				return err
			}
			if from != doc.Status {
				w.obsMetrics.RecordDocumentTransition(string(from), string(doc.Status))
			}
			if err := w.appendLedger(ctx, tx, doc, from, result.Status); err != nil {
				return err
			}
		}

		if doc.Status.IsTerminal() {
			job.Status = domain.JobSucceeded
			job.NextRetryAt = nil
			job.LastError = ""
		} else {
			job.Status = domain.JobQueued
			next := now.Add(Backoff(job.Attempts))
			job.NextRetryAt = &next
			requeued = true
		}
		job.UpdatedAt = now
		return w.repo.UpdateJob(ctx, tx, job)
	})
	if err != nil {
		return false, err
	}
	return requeued, nil
}

// fail records an adapter failure on the job. A retryable failure schedules
// the next attempt with backoff; a terminal one rejects the document and
// parks the job.
func (w *Worker) fail(ctx context.Context, prep *preparedJob, callErr error) error {
	w.log.Warn("fiscal job attempt failed",
		zap.String("job_id", prep.job.ID.String()),
		zap.String("document_id", prep.doc.ID.String()),
		zap.Int("attempts", prep.job.Attempts),
		zap.String("error", masking.MaskMessage(callErr.Error())),
	)

	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := w.repo.FindJobForUpdate(ctx, tx, prep.job.ID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}

		now := w.clock.Now()
		job.Status = domain.JobFailed
		job.LastError = masking.MaskMessage(callErr.Error())
		job.UpdatedAt = now

		if domain.IsRetryable(callErr) {
			next := now.Add(Backoff(job.Attempts))
			job.NextRetryAt = &next
			return w.repo.UpdateJob(ctx, tx, job)
		}

		// Fiscal rejection: the document is terminally rejected and no
		// further automatic retries are scheduled.
		job.NextRetryAt = nil
		if err := w.repo.UpdateJob(ctx, tx, job); err != nil {
			return err
		}

		doc, err := w.repo.FindDocumentForUpdate(ctx, tx, job.DocumentID)
		if err != nil {
			return err
		}
		if doc == nil || doc.Status.IsTerminal() {
			return nil
		}
		from := doc.Status
		doc.Status = domain.DocumentRejected
		doc.UpdatedAt = now
		if err := w.repo.UpdateDocument(ctx, tx, doc); err != nil {
			return err
		}
		w.obsMetrics.RecordDocumentTransition(string(from), string(doc.Status))
		return w.appendLedger(ctx, tx, doc, from, callErr.Error())
	})
}

func (w *Worker) appendLedger(ctx context.Context, tx *gorm.DB, doc *domain.FiscalDocument, from domain.DocumentStatus, providerStatus string) error {
	_, err := w.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
		Scope:         ledgerdomain.ScopeTenant,
		TenantID:      doc.TenantID,
		ActorUsername: "fiscal-worker",
		Action:        "fiscal.document_status_changed",
		EventType:     "fiscal_document",
		ResourceLabel: "fiscal_document",
		ResourceKey:   doc.ID.String(),
		Before:        map[string]any{"status": string(from)},
		After:         map[string]any{"status": string(doc.Status)},
		Metadata: map[string]any{
			"provider_status":      masking.MaskMessage(providerStatus),
			"provider_document_id": doc.ProviderDocumentID,
		},
	})
	return err
}

// RunOnce drains one batch of due jobs, optionally behind the Redis lock so
// only one instance polls at a time.
func (w *Worker) RunOnce(ctx context.Context) error {
	token, acquired, err := w.lock.TryLock(ctx, w.cfg.LockTTL)
	if err != nil {
		// Redis being down must not stop the drain; row locks keep
		// concurrent instances correct.
		w.log.Warn("drain lock unavailable, running unlocked", zap.Error(err))
	} else if !acquired {
		return nil
	}
	defer func() {
		if rErr := w.lock.Release(ctx, token); rErr != nil {
			w.log.Warn("drain lock release failed", zap.Error(rErr))
		}
	}()

	now := w.clock.Now()
	ids, err := w.repo.ListDueJobIDs(ctx, w.db, now, now.Add(-w.cfg.RecoveryThreshold), w.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.Process(ctx, id); err != nil {
			w.log.Warn("fiscal job processing failed",
				zap.String("job_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("fiscal job drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
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
