package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/corretora/backoffice/internal/fiscal/webhook"
)

// HandleFiscalWebhook authenticates the provider push by its body signature
// and hands the raw payload to the receiver.
func (s *Server) HandleFiscalWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	receipt, err := s.webhookRecv.Handle(c.Request.Context(), body, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, receipt)
}
