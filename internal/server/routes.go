package server

import (
	"github.com/nulzo/token-ledger-api/internal/server/middleware"
	v1 "github.com/nulzo/token-ledger-api/internal/server/v1"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func (s *Server) setupRoutes() {
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.ErrorHandler(s.logger))
	if s.config.Tracing.Enabled {
		s.router.Use(otelgin.Middleware("token-ledger-api"))
	}

	healthHandler := v1.NewHealthHandler()
	s.router.GET("/health", healthHandler.Health)

	limiter := middleware.NewRateLimiter(
		s.config.RateLimit.RequestsPerSecond,
		s.config.RateLimit.Burst,
		s.logger,
	)

	api := s.router.Group("/v1")
	api.Use(middleware.Auth(s.config.Auth.APIKeys, s.config.Auth.AdminKeys))
	api.Use(limiter.Middleware())
	{
		usage := v1.NewUsageHandler(s.svc)
		api.POST("/usage", usage.RecordUsage)
		api.POST("/usage/:id/refund", usage.Refund)

		accounts := v1.NewAccountHandler(s.svc)
		api.GET("/accounts/:userID", accounts.GetAccount)
		api.GET("/accounts/:userID/transactions", accounts.ListTransactions)
		api.GET("/packages", accounts.ListPackages)

		purchases := v1.NewPurchaseHandler(s.svc)
		api.POST("/purchases", purchases.PurchaseCompleted)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	{
		h := v1.NewAdminHandler(s.svc)
		admin.POST("/accounts/:userID/grant", h.GrantTokens)
		admin.POST("/accounts/:userID/deduct", h.DeductTokens)
		admin.POST("/accounts/:userID/status", h.SetStatus)
		admin.POST("/accounts/:userID/verify", h.VerifyAccount)
		admin.GET("/accounts", h.ListAccounts)
		admin.GET("/reports/overview", h.Overview)
		admin.GET("/reports/usage", h.DailyUsage)
		admin.GET("/reports/models", h.ModelUsage)
		admin.GET("/reports/operations", h.OperationUsage)
	}
}
