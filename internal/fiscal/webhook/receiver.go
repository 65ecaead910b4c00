package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/clock"
	"github.com/corretora/backoffice/internal/config"
	"github.com/corretora/backoffice/internal/fiscal/domain"
	"github.com/corretora/backoffice/internal/fiscal/statusalias"
	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	obsmetrics "github.com/corretora/backoffice/internal/observability/metrics"
	"github.com/corretora/backoffice/internal/tenantctx"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Payload is the provider's asynchronous status push. Providers identify the
// document either by their own id or by ours.
type Payload struct {
	ProviderDocumentID string `json:"provider_document_id"`
	DocumentID         string `json:"document_id"`
	Status             string `json:"status"`
	XMLDocumentID      string `json:"xml_document_id"`
	XMLContent         string `json:"xml_content"`
}

// Receipt is the acknowledgment returned to the provider. Re-delivering the
// same payload yields the same receipt apart from the correlation id.
type Receipt struct {
	OK            bool         `json:"ok"`
	DocumentID    snowflake.ID `json:"document_id"`
	JobID         snowflake.ID `json:"job_id,omitempty"`
	Status        string       `json:"status"`
	CorrelationID string       `json:"correlation_id"`
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       domain.Repository
	LedgerSvc  ledgerdomain.Service
	Clock      clock.Clock
	Aliases    *statusalias.Holder
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Receiver applies provider status pushes idempotently: the same payload can
// be delivered any number of times without changing state past the first
// successful application.
type Receiver struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       domain.Repository
	ledgerSvc  ledgerdomain.Service
	clock      clock.Clock
	aliases    *statusalias.Holder
	secret     string
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Receiver {
	return &Receiver{
		db:         p.DB,
		log:        p.Log.Named("fiscal.webhook"),
		repo:       p.Repo,
		ledgerSvc:  p.LedgerSvc,
		clock:      p.Clock,
		aliases:    p.Aliases,
		secret:     strings.TrimSpace(p.Cfg.FiscalWebhookSecret),
		obsMetrics: p.ObsMetrics,
	}
}

// Handle authenticates and reconciles one delivery. An unconfigured secret
// fails closed before any signature check.
func (r *Receiver) Handle(ctx context.Context, body []byte, signature string) (*Receipt, error) {
	if r.secret == "" {
		r.obsMetrics.RecordWebhook("unconfigured")
		return nil, domain.ErrWebhookSecretMissing
	}
	if !VerifySignature(r.secret, body, signature) {
		r.obsMetrics.RecordWebhook("bad_signature")
		return nil, domain.ErrInvalidSignature
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		r.obsMetrics.RecordWebhook("bad_payload")
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(payload.ProviderDocumentID) == "" && strings.TrimSpace(payload.DocumentID) == "" {
		r.obsMetrics.RecordWebhook("bad_payload")
		return nil, domain.ErrInvalidPayload
	}

	receipt, err := r.reconcile(ctx, payload)
	if err != nil {
		if err == domain.ErrUnknownProviderDocument {
			r.obsMetrics.RecordWebhook("unknown_document")
		} else {
			r.obsMetrics.RecordWebhook("error")
		}
		return nil, err
	}
	r.obsMetrics.RecordWebhook("ok")
	return receipt, nil
}

func (r *Receiver) reconcile(ctx context.Context, payload Payload) (*Receipt, error) {
	docID, err := r.resolveDocumentID(ctx, payload)
	if err != nil {
		return nil, err
	}

	correlationID := tenantctx.RequestIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var receipt *Receipt
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := r.repo.FindDocumentForUpdate(ctx, tx, docID)
		if err != nil {
			return err
		}
		if doc == nil {
			return domain.ErrUnknownProviderDocument
		}
		job, err := r.repo.FindJobByDocumentForUpdate(ctx, tx, doc.ID)
		if err != nil {
			return err
		}

		now := r.clock.Now()
		from := doc.Status
		result := &domain.ProviderResult{
			ProviderDocumentID: strings.TrimSpace(payload.ProviderDocumentID),
			Status:             payload.Status,
			XMLDocumentID:      strings.TrimSpace(payload.XMLDocumentID),
			XMLContent:         payload.XMLContent,
		}
		changed := domain.ApplyProviderResult(doc, result, r.aliases.Normalize, now)
		if changed {
			if err := r.repo.UpdateDocument(ctx, tx, doc); err != nil {
				return err
			}
			if from != doc.Status {
				r.obsMetrics.RecordDocumentTransition(string(from), string(doc.Status))
			}
			if err := r.appendLedger(ctx, tx, doc, from, payload.Status, correlationID); err != nil {
				return err
			}
		}

		if job != nil && doc.Status.IsTerminal() && job.Status != domain.JobSucceeded {
			job.Status = domain.JobSucceeded
			job.NextRetryAt = nil
			job.LastError = ""
			job.UpdatedAt = now
			if err := r.repo.UpdateJob(ctx, tx, job); err != nil {
				return err
			}
		}

		receipt = &Receipt{
			OK:            true,
			DocumentID:    doc.ID,
			Status:        string(doc.Status),
			CorrelationID: correlationID,
		}
		if job != nil {
			receipt.JobID = job.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *Receiver) resolveDocumentID(ctx context.Context, payload Payload) (snowflake.ID, error) {
	if providerID := strings.TrimSpace(payload.ProviderDocumentID); providerID != "" {
		doc, err := r.repo.FindDocumentByProviderID(ctx, r.db, providerID)
		if err != nil {
			return 0, err
		}
		if doc != nil {
			return doc.ID, nil
		}
	}
	if raw := strings.TrimSpace(payload.DocumentID); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err == nil && id != 0 {
			return id, nil
		}
	}
	return 0, domain.ErrUnknownProviderDocument
}

func (r *Receiver) appendLedger(ctx context.Context, tx *gorm.DB, doc *domain.FiscalDocument, from domain.DocumentStatus, providerStatus, correlationID string) error {
	_, err := r.ledgerSvc.AppendTx(ctx, tx, ledgerdomain.AppendRequest{
		Scope:         ledgerdomain.ScopeTenant,
		TenantID:      doc.TenantID,
		ActorUsername: "fiscal-webhook",
		Action:        "fiscal.document_reconciled",
		EventType:     "fiscal_document",
		ResourceLabel: "fiscal_document",
		ResourceKey:   doc.ID.String(),
		Before:        map[string]any{"status": string(from)},
		After:         map[string]any{"status": string(doc.Status)},
		Metadata: map[string]any{
			"provider_status":      providerStatus,
			"provider_document_id": doc.ProviderDocumentID,
		},
		RequestID: correlationID,
	})
	return err
}
