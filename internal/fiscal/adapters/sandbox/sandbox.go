// Package sandbox implements an in-process fiscal provider for development
// and tests. Documents authorize immediately unless the config asks for a
// specific failure mode.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/fiscal/domain"
)

// Namespace prefixes every provider document id issued by this adapter.
const Namespace = "SBX"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "sandbox"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	mode, _ := cfg.Config["mode"].(string)
	series, _ := cfg.Config["series"].(string)
	if series == "" {
		series = "1"
	}
	return &Adapter{
		tenantID: cfg.TenantID,
		mode:     strings.ToLower(strings.TrimSpace(mode)),
		series:   series,
	}, nil
}

type Adapter struct {
	tenantID snowflake.ID
	mode     string
	series   string
}

func (a *Adapter) Issue(ctx context.Context, payload domain.IssuePayload) (*domain.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch a.mode {
	case "reject":
		return nil, domain.NewTerminalError("sandbox_rejected", "document rejected by sandbox policy")
	case "outage":
		return nil, domain.NewRetryableError("sandbox_outage", "sandbox provider unavailable")
	case "pending":
		return &domain.ProviderResult{
			ProviderDocumentID: a.documentID(payload.DocumentID.String()),
			Status:             "EM_PROCESSAMENTO",
		}, nil
	}

	number := fmt.Sprintf("%06d", payload.InvoiceID)
	providerID := a.documentID(payload.DocumentID.String())
	return &domain.ProviderResult{
		ProviderDocumentID: providerID,
		Status:             "AUTORIZADO",
		Number:             number,
		Series:             a.series,
		XMLDocumentID:      providerID + "-xml",
		XMLContent:         a.renderXML(providerID, payload),
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, providerDocumentID string) (*domain.CancelResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(providerDocumentID, Namespace+"-") {
		return nil, domain.NewTerminalError("sandbox_unknown_document", "document was not issued by this sandbox")
	}
	if a.mode == "outage" {
		return nil, domain.NewRetryableError("sandbox_outage", "sandbox provider unavailable")
	}
	return &domain.CancelResult{Status: "CANCELADO"}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, providerDocumentID string) (*domain.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(providerDocumentID, Namespace+"-") {
		return nil, domain.NewTerminalError("sandbox_unknown_document", "document was not issued by this sandbox")
	}

	switch a.mode {
	case "outage":
		return nil, domain.NewRetryableError("sandbox_outage", "sandbox provider unavailable")
	case "pending":
		return &domain.ProviderResult{
			ProviderDocumentID: providerDocumentID,
			Status:             "EM_PROCESSAMENTO",
		}, nil
	}
	return &domain.ProviderResult{
		ProviderDocumentID: providerDocumentID,
		Status:             "AUTORIZADO",
	}, nil
}

func (a *Adapter) documentID(suffix string) string {
	return Namespace + "-" + suffix
}

func (a *Adapter) renderXML(providerID string, payload domain.IssuePayload) string {
	return fmt.Sprintf(
		`<nfse id=%q><tomador nome=%q doc=%q/><valor>%d</valor></nfse>`,
		providerID,
		payload.CustomerLegalName,
		payload.CustomerTaxID,
		payload.Amount,
	)
}
