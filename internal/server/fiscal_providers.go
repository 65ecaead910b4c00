package server

import (
	"net/http"
	"strings"

	providerdomain "github.com/corretora/backoffice/internal/fiscal/providers/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) ListFiscalProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.providerList})
}

func (s *Server) ListFiscalProviderConfigs(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	resp, err := s.providersSvc.List(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type upsertProviderConfigRequest struct {
	Provider string         `json:"provider"`
	Config   map[string]any `json:"config"`
}

func (s *Server) UpsertFiscalProviderConfig(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	var req upsertProviderConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.providersSvc.Upsert(c.Request.Context(), tenantID, providerdomain.UpsertRequest{
		Provider: strings.TrimSpace(req.Provider),
		Config:   req.Config,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type activateProviderConfigRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) ActivateFiscalProviderConfig(c *gin.Context) {
	tenantID, ok := s.tenantID(c)
	if !ok {
		return
	}

	var req activateProviderConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.providersSvc.Activate(c.Request.Context(), tenantID, strings.TrimSpace(req.Provider)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"provider": strings.ToLower(strings.TrimSpace(req.Provider)), "is_active": true}})
}
