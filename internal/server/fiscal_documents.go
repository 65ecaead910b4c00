package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	fiscaldomain "github.com/corretora/backoffice/internal/fiscal/domain"
	"github.com/corretora/backoffice/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

type issueDocumentRequest struct {
	InvoiceID int64  `json:"invoice_id"`
	Amount    int64  `json:"amount"`
	Series    string `json:"series"`
	Customer  struct {
		LegalName  string `json:"legal_name"`
		TaxID      string `json:"tax_id"`
		Email      string `json:"email"`
		Address    string `json:"address"`
		City       string `json:"city"`
		State      string `json:"state"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
	} `json:"customer"`
}

func (s *Server) IssueFiscalDocument(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	var req issueDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.fiscalSvc.Issue(c.Request.Context(), tenantID, fiscaldomain.IssueRequest{
		InvoiceID: req.InvoiceID,
		Amount:    req.Amount,
		Series:    strings.TrimSpace(req.Series),
		Customer: fiscaldomain.CustomerInput{
			LegalName:  req.Customer.LegalName,
			TaxID:      req.Customer.TaxID,
			Email:      req.Customer.Email,
			Address:    req.Customer.Address,
			City:       req.Customer.City,
			State:      req.Customer.State,
			PostalCode: req.Customer.PostalCode,
			Country:    req.Customer.Country,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) CancelFiscalDocument(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	resp, err := s.fiscalSvc.Cancel(c.Request.Context(), tenantID, docID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RetryFiscalDocument(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	resp, err := s.fiscalSvc.Retry(c.Request.Context(), tenantID, docID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": resp})
}

func (s *Server) ListFiscalDocuments(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.fiscalSvc.List(c.Request.Context(), fiscaldomain.ListDocumentsRequest{
		Pagination: query.Pagination,
		TenantID:   tenantID,
		Status:     fiscaldomain.DocumentStatus(strings.ToLower(strings.TrimSpace(query.Status))),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetFiscalDocumentByID(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	resp, err := s.fiscalSvc.Get(c.Request.Context(), tenantID, docID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetFiscalDocumentXML(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}
	docID, ok := parseDocumentID(c)
	if !ok {
		return
	}

	xml, err := s.fiscalSvc.GetXML(c.Request.Context(), tenantID, docID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/xml", []byte(xml))
}

func parseDocumentID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id == 0 {
		AbortWithError(c, fiscaldomain.ErrDocumentNotFound)
		return 0, false
	}
	return id, true
}
