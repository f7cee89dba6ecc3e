package router

import (
	"net/http"

	"premiumpay/config"
	"premiumpay/internal/database"
	"premiumpay/internal/handler"
	"premiumpay/internal/metrics"
	"premiumpay/internal/middleware"
	"premiumpay/internal/reference"
	"premiumpay/internal/repository"
	"premiumpay/internal/service"
	"premiumpay/internal/ws"
	"premiumpay/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Deps are the process-level collaborators the routes are built from. Nil
// Limiter, Registry, Metrics and Hub get defaults; Metrics defaults to
// collectors registered on Registry.
type Deps struct {
	DB       *gorm.DB
	Provider payment.Provider
	Limiter  middleware.Limiter
	Registry *prometheus.Registry
	Metrics  *metrics.Prometheus
	Hub      *ws.Hub
	Logger   zerolog.Logger
}

func Setup(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	log := deps.Logger
	if deps.Hub == nil {
		deps.Hub = ws.NewHub()
	}
	if deps.Limiter == nil {
		deps.Limiter = middleware.NewInMemoryRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	// Repositories
	db := deps.DB
	userRepo := repository.NewUserRepository(db)
	txRepo := repository.NewTransactionRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	webhookRepo := repository.NewWebhookEventRepository(db)

	// Services
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NewPrometheus(deps.Registry, "premiumpay")
	}
	refs := reference.NewGenerator(cfg.Payment.ReferencePrefix)
	notifSvc := service.NewNotificationService(notificationRepo, deps.Hub, log)
	ledger := service.NewLedger(txRepo, cfg.Payment.MinimumAmount, rec, log)
	reconciler := service.NewReconciler(service.ReconcilerDeps{
		DB:       db,
		Ledger:   ledger,
		Users:    userRepo,
		Audits:   auditRepo,
		Provider: deps.Provider,
		Notifier: notifSvc,
		Refs:     refs,
		Metrics:  rec,
		Logger:   log,
	}, service.ReconcilerConfig{
		PremiumAmount:       cfg.Payment.PremiumAmount,
		MinorUnitMultiplier: cfg.Payment.MinorUnitMultiplier,
		AmountAuthority:     cfg.Payment.AmountAuthority,
		ProviderTimeout:     cfg.Payment.ProviderTimeout,
	})
	paymentSvc := service.NewPaymentService(ledger, reconciler, deps.Provider, refs, service.PaymentConfig{
		Currency:            cfg.Payment.Currency,
		MinorUnitMultiplier: cfg.Payment.MinorUnitMultiplier,
		CallbackURL:         cfg.Payment.CallbackURL,
		DefaultDescription:  cfg.Payment.DefaultDescription,
		ProviderTimeout:     cfg.Payment.ProviderTimeout,
	}, log)
	webhookSvc := service.NewWebhookService(webhookRepo, reconciler, deps.Provider.Name(), rec, log)

	// Handlers
	paymentHandler := handler.NewPaymentHandler(paymentSvc, reconciler, log)
	webhookHandler := handler.NewPaymentWebhookHandler(webhookSvc, cfg.Payment.WebhookSecret, log)
	meHandler := handler.NewMeHandler(userRepo)
	notificationHandler := handler.NewNotificationHandler(notifSvc)

	authMw := middleware.AuthRequired(&cfg.JWT)
	limitMw := middleware.RateLimit(deps.Limiter, log)

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "premiumpay payment service")
	})
	r.GET("/healthz", func(c *gin.Context) {
		if err := database.Ping(db); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	{
		// Provider callbacks are not rate limited.
		api.POST("/payments/webhook", webhookHandler.Handle)

		payments := api.Group("/payments")
		payments.Use(limitMw, authMw)
		{
			payments.POST("/initialize", paymentHandler.Initialize)
			payments.GET("/verify/:reference", paymentHandler.Verify)
		}

		me := api.Group("/me")
		me.Use(limitMw, authMw)
		{
			me.GET("", meHandler.GetProfile)
			me.GET("/payments", paymentHandler.ListMine)
			me.GET("/notifications", notificationHandler.List)
			me.PATCH("/notifications/:id/read", notificationHandler.MarkRead)
		}
	}
	r.GET("/ws/payments", ws.ServePayments(&cfg.JWT, deps.Hub, log))

	return r
}
