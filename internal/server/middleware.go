package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/tenantctx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderTenant        = "X-Tenant-ID"
	HeaderActorUsername = "X-Actor-Username"
	HeaderActorEmail    = "X-Actor-Email"
	HeaderRequestID     = "X-Request-ID"
)

// RequestContext propagates the correlation id and the authenticated actor
// snapshot supplied by the upstream gateway. Authentication itself is an
// external collaborator; these headers arrive pre-verified.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		ctx := tenantctx.WithRequestID(c.Request.Context(), requestID)

		username := strings.TrimSpace(c.GetHeader(HeaderActorUsername))
		email := strings.TrimSpace(c.GetHeader(HeaderActorEmail))
		if username != "" || email != "" {
			ctx = tenantctx.WithActor(ctx, tenantctx.Actor{Username: username, Email: email})
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// TenantRequired resolves the tenant once at the boundary. Handlers pass the
// id down as an explicit parameter; nothing reads it ambiently past here.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		tenantID, err := snowflake.ParseString(raw)
		if err != nil || tenantID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := tenantctx.WithTenantID(c.Request.Context(), tenantID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// tenantID returns the id resolved by TenantRequired.
func (s *Server) tenantID(c *gin.Context) (snowflake.ID, bool) {
	id, ok := tenantctx.TenantIDFromContext(c.Request.Context())
	if !ok || id == 0 {
		AbortWithError(c, ErrUnauthorized)
		return 0, false
	}
	return id, true
}
