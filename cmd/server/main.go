package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nulzo/token-ledger-api/internal/config"
	"github.com/nulzo/token-ledger-api/internal/events"
	"github.com/nulzo/token-ledger-api/internal/ledger"
	"github.com/nulzo/token-ledger-api/internal/platform/logger"
	"github.com/nulzo/token-ledger-api/internal/platform/otel"
	"github.com/nulzo/token-ledger-api/internal/server"
	"github.com/nulzo/token-ledger-api/internal/server/validator"
	"github.com/nulzo/token-ledger-api/internal/store"
	"github.com/nulzo/token-ledger-api/internal/store/memory"
	"github.com/nulzo/token-ledger-api/internal/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	logger.Initialize(logger.DefaultConfig())
	defer logger.Sync()
	log := logger.Get()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracer("token-ledger-api", log, os.Stdout)
		if err != nil {
			log.Fatal("failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	validator.Init()

	var repo store.Repository
	switch cfg.Database.Driver {
	case "memory":
		repo = memory.NewRepository()
		log.Warn("using in-memory store; data will not survive restarts")
	default:
		repo, err = sqlite.NewStorage(cfg.Database.DSN)
		if err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
	}
	defer repo.Close()

	var publisher events.Publisher = events.NewMemoryPublisher()
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisPub, err := events.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		cancel()
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		publisher = redisPub
		log.Info("publishing balance events to redis", zap.String("addr", cfg.Redis.Addr))
	}
	defer publisher.Close()

	svc := ledger.NewService(repo, publisher, log)
	srv := server.New(cfg, log, svc)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("starting token ledger API", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
