// Package httpjson implements a provider-agnostic REST adapter: the provider
// exposes issue/cancel/status endpoints exchanging JSON, authenticated by a
// bearer token from the tenant's provider config.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corretora/backoffice/internal/fiscal/domain"
)

type Factory struct {
	client *http.Client
}

func NewFactory() *Factory {
	return &Factory{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *Factory) Provider() string {
	return "httpjson"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	baseURL, _ := cfg.Config["base_url"].(string)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, domain.ErrUnsupportedProvider
	}
	apiKey, _ := cfg.Config["api_key"].(string)

	return &Adapter{
		client:  f.client,
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
	}, nil
}

type Adapter struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

type issueRequest struct {
	ExternalID string `json:"external_id"`
	InvoiceID  int64  `json:"invoice_id"`
	Amount     int64  `json:"amount"`
	IssueDate  string `json:"issue_date"`
	Series     string `json:"series,omitempty"`
	Customer   struct {
		LegalName  string `json:"legal_name"`
		TaxID      string `json:"tax_id"`
		Email      string `json:"email,omitempty"`
		Address    string `json:"address,omitempty"`
		City       string `json:"city,omitempty"`
		State      string `json:"state,omitempty"`
		PostalCode string `json:"postal_code,omitempty"`
		Country    string `json:"country,omitempty"`
	} `json:"customer"`
}

type documentResponse struct {
	DocumentID    string `json:"document_id"`
	Status        string `json:"status"`
	Number        string `json:"number"`
	Series        string `json:"series"`
	XMLDocumentID string `json:"xml_document_id"`
	XMLContent    string `json:"xml_content"`
	Error         string `json:"error"`
}

func (a *Adapter) Issue(ctx context.Context, payload domain.IssuePayload) (*domain.ProviderResult, error) {
	req := issueRequest{
		ExternalID: payload.DocumentID.String(),
		InvoiceID:  payload.InvoiceID,
		Amount:     payload.Amount,
		IssueDate:  payload.IssueDate.UTC().Format("2006-01-02"),
		Series:     payload.Series,
	}
	req.Customer.LegalName = payload.CustomerLegalName
	req.Customer.TaxID = payload.CustomerTaxID
	req.Customer.Email = payload.CustomerEmail
	req.Customer.Address = payload.CustomerAddress
	req.Customer.City = payload.CustomerCity
	req.Customer.State = payload.CustomerState
	req.Customer.PostalCode = payload.CustomerPostalCode
	req.Customer.Country = payload.CustomerCountry

	var resp documentResponse
	if err := a.call(ctx, http.MethodPost, "/documents", req, &resp); err != nil {
		return nil, err
	}
	return toResult(&resp), nil
}

func (a *Adapter) Cancel(ctx context.Context, providerDocumentID string) (*domain.CancelResult, error) {
	var resp documentResponse
	path := fmt.Sprintf("/documents/%s/cancel", providerDocumentID)
	if err := a.call(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &domain.CancelResult{Status: resp.Status}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, providerDocumentID string) (*domain.ProviderResult, error) {
	var resp documentResponse
	path := fmt.Sprintf("/documents/%s", providerDocumentID)
	if err := a.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return toResult(&resp), nil
}

func (a *Adapter) call(ctx context.Context, method, path string, body any, out *documentResponse) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return domain.NewTerminalError("encode_request", err.Error())
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return domain.NewTerminalError("build_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Timeouts and transport failures are provider outages, not
		// document rejections.
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewRetryableError("transport", err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.NewRetryableError("read_response", err.Error())
	}

	if resp.StatusCode >= 500 {
		return domain.NewRetryableError(
			fmt.Sprintf("provider_%d", resp.StatusCode),
			strings.TrimSpace(string(raw)),
		)
	}
	if resp.StatusCode >= 400 {
		message := strings.TrimSpace(string(raw))
		var parsed documentResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
			message = parsed.Error
		}
		return domain.NewTerminalError(
			fmt.Sprintf("provider_%d", resp.StatusCode),
			message,
		)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return domain.NewRetryableError("decode_response", err.Error())
	}
	return nil
}

func toResult(resp *documentResponse) *domain.ProviderResult {
	return &domain.ProviderResult{
		ProviderDocumentID: strings.TrimSpace(resp.DocumentID),
		Status:             resp.Status,
		Number:             strings.TrimSpace(resp.Number),
		Series:             strings.TrimSpace(resp.Series),
		XMLDocumentID:      strings.TrimSpace(resp.XMLDocumentID),
		XMLContent:         resp.XMLContent,
	}
}
