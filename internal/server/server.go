package server

import (
	"net/http"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/nulzo/token-ledger-api/internal/config"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/server/middleware"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	config *config.Config
	logger *zap.Logger
	svc    *ledger.Service
}

func New(cfg *config.Config, logger *zap.Logger, svc *ledger.Service) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(middleware.Logger(logger))

	s := &Server{
		router: engine,
		config: cfg,
		logger: logger,
		svc:    svc,
	}

	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
