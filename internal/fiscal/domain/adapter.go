package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// IssuePayload is everything an adapter needs to request issuance from the
// external provider.
type IssuePayload struct {
	DocumentID snowflake.ID
	TenantID   snowflake.ID
	InvoiceID  int64
	Amount     int64
	IssueDate  time.Time
	Series     string

	CustomerLegalName  string
	CustomerTaxID      string
	CustomerEmail      string
	CustomerAddress    string
	CustomerCity       string
	CustomerState      string
	CustomerPostalCode string
	CustomerCountry    string
}

// ProviderResult is the provider's view of a document after issue or
// check_status. Status is the provider's raw string; callers normalize it
// through the alias table.
type ProviderResult struct {
	ProviderDocumentID string
	Status             string
	Number             string
	Series             string
	XMLDocumentID      string
	XMLContent         string
}

// CancelResult carries the provider's post-cancellation status.
type CancelResult struct {
	Status string
}

// Adapter is the pluggable boundary to one external fiscal document provider.
// Implementations must honor ctx cancellation; every call crosses the network
// and is bounded by the caller's timeout.
type Adapter interface {
	Issue(ctx context.Context, payload IssuePayload) (*ProviderResult, error)
	Cancel(ctx context.Context, providerDocumentID string) (*CancelResult, error)
	CheckStatus(ctx context.Context, providerDocumentID string) (*ProviderResult, error)
}

// AdapterConfig is the decrypted per-tenant provider configuration handed to
// a factory.
type AdapterConfig struct {
	TenantID snowflake.ID
	Provider string
	Config   map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// ProviderError classifies adapter failures at the boundary: retryable
// failures (network, timeout, provider outage) feed the worker's backoff loop,
// terminal ones (fiscal rejection, malformed request) surface immediately.
type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

func NewRetryableError(code, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message, Retryable: true}
}

func NewTerminalError(code, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message, Retryable: false}
}

// IsRetryable reports whether err should re-enter the backoff loop. Timeouts
// and unclassified failures count as retryable; only an explicit terminal
// classification stops the retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
