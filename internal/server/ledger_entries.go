package server

import (
	"net/http"
	"strings"

	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	"github.com/corretora/backoffice/pkg/db/pagination"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListLedgerEntries(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	var query struct {
		pagination.Pagination
		Action    string `form:"action"`
		EventType string `form:"event_type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), ledgerdomain.ListRequest{
		Pagination: query.Pagination,
		TenantID:   tenantID,
		Action:     strings.TrimSpace(query.Action),
		EventType:  strings.TrimSpace(query.EventType),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// VerifyLedgerChain walks the tenant's chain and reports the first entry, if
// any, whose stored hashes do not recompute.
func (s *Server) VerifyLedgerChain(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	chainID := ledgerdomain.ChainID(ledgerdomain.ScopeTenant, tenantID)
	report, err := s.ledgerSvc.Verify(c.Request.Context(), chainID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": report})
}
