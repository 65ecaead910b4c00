package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corretora/backoffice/internal/config"
	"github.com/corretora/backoffice/internal/fiscal/adapters"
	fiscaldomain "github.com/corretora/backoffice/internal/fiscal/domain"
	providerdomain "github.com/corretora/backoffice/internal/fiscal/providers/domain"
	"github.com/corretora/backoffice/internal/fiscal/webhook"
	ledgerdomain "github.com/corretora/backoffice/internal/ledger/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestContext())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	genID        *snowflake.Node
	fiscalSvc    fiscaldomain.Service
	providersSvc providerdomain.Service
	ledgerSvc    ledgerdomain.Service
	webhookRecv  *webhook.Receiver
	providerList []string
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	GenID        *snowflake.Node
	FiscalSvc    fiscaldomain.Service
	ProvidersSvc providerdomain.Service
	LedgerSvc    ledgerdomain.Service
	WebhookRecv  *webhook.Receiver
	Adapters     *adapters.Registry
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		genID:        p.GenID,
		fiscalSvc:    p.FiscalSvc,
		providersSvc: p.ProvidersSvc,
		ledgerSvc:    p.LedgerSvc,
		webhookRecv:  p.WebhookRecv,
		providerList: p.Adapters.Providers(),
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", s.TenantRequired())

	// -------- Fiscal documents --------
	api.POST("/fiscal/documents:issue", s.IssueFiscalDocument)
	api.POST("/fiscal/documents/:id/cancel", s.CancelFiscalDocument)
	api.POST("/fiscal/documents/:id/retry", s.RetryFiscalDocument)
	api.GET("/fiscal/documents", s.ListFiscalDocuments)
	api.GET("/fiscal/documents/:id", s.GetFiscalDocumentByID)
	api.GET("/fiscal/documents/:id/xml", s.GetFiscalDocumentXML)

	// -------- Provider configuration --------
	api.GET("/fiscal/providers", s.ListFiscalProviders)
	api.GET("/fiscal/providers/configs", s.ListFiscalProviderConfigs)
	api.PUT("/fiscal/providers/configs", s.UpsertFiscalProviderConfig)
	api.POST("/fiscal/providers/configs:activate", s.ActivateFiscalProviderConfig)

	// -------- Audit ledger (read-only) --------
	api.GET("/ledger/entries", s.ListLedgerEntries)
	api.GET("/ledger/verify", s.VerifyLedgerChain)
}

func (s *Server) registerWebhookRoutes() {
	// Providers authenticate with the body signature, not a tenant header.
	s.engine.POST("/fiscal/webhook", s.HandleFiscalWebhook)
}
