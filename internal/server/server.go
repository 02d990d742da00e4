package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/bookshelf/internal/audit/domain"
	"github.com/smallbiznis/bookshelf/internal/authorization"
	catalogdomain "github.com/smallbiznis/bookshelf/internal/catalog/domain"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	downloaddomain "github.com/smallbiznis/bookshelf/internal/download/domain"
	entitlementdomain "github.com/smallbiznis/bookshelf/internal/entitlement/domain"
	"github.com/smallbiznis/bookshelf/internal/identity"
	"github.com/smallbiznis/bookshelf/internal/observability"
	obsmiddleware "github.com/smallbiznis/bookshelf/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/bookshelf/internal/observability/metrics"
	obstracing "github.com/smallbiznis/bookshelf/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/smallbiznis/bookshelf/internal/ratelimit"
	receiptdomain "github.com/smallbiznis/bookshelf/internal/receipt/domain"
	"github.com/smallbiznis/bookshelf/internal/reconcile"
	"github.com/smallbiznis/bookshelf/internal/trial"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine          *gin.Engine
	cfg             config.Config
	clock           clock.Clock
	identity        *identity.Verifier
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	engineSvc       entitlementdomain.Service
	catalogSvc      catalogdomain.Service
	downloadSvc     downloaddomain.Service
	webhookSvc      paymentdomain.WebhookService
	receiptSvc      receiptdomain.Service
	trialIssuer     *trial.Issuer
	reconciler      *reconcile.Reconciler
	purchaseLimiter *ratelimit.PurchaseLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Clock           clock.Clock
	Identity        *identity.Verifier
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	Engine          entitlementdomain.Service
	CatalogSvc      catalogdomain.Service
	DownloadSvc     downloaddomain.Service
	WebhookSvc      paymentdomain.WebhookService
	ReceiptSvc      receiptdomain.Service
	TrialIssuer     *trial.Issuer              `optional:"true"`
	Reconciler      *reconcile.Reconciler      `optional:"true"`
	PurchaseLimiter *ratelimit.PurchaseLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		clock:           p.Clock,
		identity:        p.Identity,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		engineSvc:       p.Engine,
		catalogSvc:      p.CatalogSvc,
		downloadSvc:     p.DownloadSvc,
		webhookSvc:      p.WebhookSvc,
		receiptSvc:      p.ReceiptSvc,
		trialIssuer:     p.TrialIssuer,
		reconciler:      p.Reconciler,
		purchaseLimiter: p.PurchaseLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment Webhooks --------
	api.POST("/payments/webhooks/:provider", s.HandlePaymentWebhook)

	// -------- Catalog --------
	api.GET("/catalog/items", s.ListCatalogItems)
	api.GET("/catalog/items/:id", s.GetCatalogItem)

	authed := api.Group("", s.BearerAuth())

	authed.GET("/authorization", s.CheckAuthorization)
	authed.POST("/trials", s.StartTrial)

	// -------- Purchases --------
	authed.GET("/purchases", s.ListPurchases)
	authed.POST("/purchases", s.PurchaseRateLimit(), s.InitiatePurchase)
	authed.GET("/purchases/:id", s.GetPurchase)
	authed.POST("/purchases/:id/complete", s.CompletePurchase)
	authed.POST("/purchases/:id/verify", s.VerifyPurchase)
	authed.GET("/purchases/:id/receipt", s.DownloadReceipt)

	// -------- Downloads --------
	authed.POST("/downloads", s.TrackDownload)
	authed.GET("/library", s.ListLibrary)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/admin", s.BearerAuth())

	admin.GET("/analytics/downloads", s.authorizeAction(authorization.ObjectAnalytics, authorization.ActionAnalyticsView), s.GetDownloadAnalytics)
	admin.GET("/reconciliation/issues", s.authorizeAction(authorization.ObjectReconciliation, authorization.ActionReconciliationView), s.ListReconciliationIssues)
	admin.POST("/reconciliation/run", s.authorizeAction(authorization.ObjectReconciliation, authorization.ActionReconciliationRun), s.RunReconciliation)
	admin.POST("/orders/:id/repair", s.authorizeAction(authorization.ObjectReconciliation, authorization.ActionEntitlementRepair), s.RepairOrderEntitlement)
	admin.GET("/audit-logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
