package domain

import (
	"strings"
	"time"
)

// DefaultStatusAliases maps provider-specific status strings onto the
// canonical set. Keys are compared lowercased and trimmed. Anything absent
// from the table normalizes to EMITTING, i.e. "still pending"; an unknown
// provider string must never fail a document.
func DefaultStatusAliases() map[string]DocumentStatus {
	return map[string]DocumentStatus{
		"draft": DocumentDraft,

		"emitting":         DocumentEmitting,
		"pending":          DocumentEmitting,
		"processing":       DocumentEmitting,
		"em_processamento": DocumentEmitting,
		"processando":      DocumentEmitting,

		"authorized": DocumentAuthorized,
		"authorised": DocumentAuthorized,
		"autorizado": DocumentAuthorized,
		"autorizada": DocumentAuthorized,
		"approved":   DocumentAuthorized,
		"issued":     DocumentAuthorized,
		"concluido":  DocumentAuthorized,

		"rejected":  DocumentRejected,
		"denied":    DocumentRejected,
		"denegado":  DocumentRejected,
		"rejeitado": DocumentRejected,
		"error":     DocumentRejected,
		"erro":      DocumentRejected,

		"cancelled": DocumentCancelled,
		"canceled":  DocumentCancelled,
		"cancelado": DocumentCancelled,
		"cancelada": DocumentCancelled,
	}
}

// NormalizeStatus resolves a provider status string against an alias table.
func NormalizeStatus(raw string, aliases map[string]DocumentStatus) DocumentStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return DocumentEmitting
	}
	if status, ok := aliases[key]; ok {
		return status
	}
	return DocumentEmitting
}

// ApplyProviderResult folds a provider response into the document in place.
// Identifying fields are write-once, stored XML is never replaced with empty
// and the raw status string goes through normalize. The status only moves
// along the lifecycle's edges; a push that would move it backwards or off the
// machine is ignored. Reports whether anything changed.
func ApplyProviderResult(doc *FiscalDocument, result *ProviderResult, normalize func(string) DocumentStatus, now time.Time) bool {
	if result == nil {
		return false
	}

	changed := false
	if result.ProviderDocumentID != "" && doc.ProviderDocumentID == "" {
		doc.ProviderDocumentID = result.ProviderDocumentID
		changed = true
	}
	if result.Number != "" && doc.Number == "" {
		doc.Number = result.Number
		changed = true
	}
	if result.Series != "" && doc.Series == "" {
		doc.Series = result.Series
		changed = true
	}
	if result.XMLDocumentID != "" && doc.XMLDocumentID != result.XMLDocumentID {
		doc.XMLDocumentID = result.XMLDocumentID
		changed = true
	}
	if result.XMLContent != "" && doc.XMLContent != result.XMLContent {
		doc.XMLContent = result.XMLContent
		changed = true
	}

	status := normalize(result.Status)
	if status != doc.Status && doc.Status.CanTransition(status) {
		doc.Status = status
		changed = true
	}
	if doc.Status == DocumentAuthorized && doc.IssueDate == nil {
		issueDate := now
		doc.IssueDate = &issueDate
		changed = true
	}
	if changed {
		doc.UpdatedAt = now
	}
	return changed
}
