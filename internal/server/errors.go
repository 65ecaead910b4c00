package server

import (
	"errors"
	"net/http"

	fiscaldomain "github.com/corretora/backoffice/internal/fiscal/domain"
	providerdomain "github.com/corretora/backoffice/internal/fiscal/providers/domain"
	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, fiscaldomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, fiscaldomain.ErrWebhookSecretMissing):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case isProviderRejection(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "provider_rejection",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, fiscaldomain.ErrInvalidTenant),
		errors.Is(err, fiscaldomain.ErrInvalidInvoice),
		errors.Is(err, fiscaldomain.ErrInvalidAmount),
		errors.Is(err, fiscaldomain.ErrInvalidCustomer),
		errors.Is(err, fiscaldomain.ErrInvalidPayload),
		errors.Is(err, fiscaldomain.ErrNoActiveProvider),
		errors.Is(err, fiscaldomain.ErrUnsupportedProvider),
		errors.Is(err, fiscaldomain.ErrNoProviderID),
		errors.Is(err, providerdomain.ErrInvalidTenant),
		errors.Is(err, providerdomain.ErrInvalidProvider),
		errors.Is(err, providerdomain.ErrInvalidConfig),
		errors.Is(err, ledgerdomain.ErrInvalidPageToken),
		errors.Is(err, ledgerdomain.ErrTenantRequired):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, fiscaldomain.ErrDocumentNotFound),
		errors.Is(err, fiscaldomain.ErrUnknownProviderDocument),
		errors.Is(err, providerdomain.ErrConfigNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, fiscaldomain.ErrAlreadyCancelled),
		errors.Is(err, fiscaldomain.ErrNotCancellable),
		errors.Is(err, fiscaldomain.ErrJobNotFound),
		errors.Is(err, fiscaldomain.ErrJobNotFailed),
		errors.Is(err, ledgerdomain.ErrChainContention):
		return true
	default:
		return false
	}
}

// isProviderRejection covers adapter errors the caller sees from synchronous
// issue/cancel: a fiscal rejection is a 400, not a server fault.
func isProviderRejection(err error) bool {
	var pErr *fiscaldomain.ProviderError
	return errors.As(err, &pErr)
}
