package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	config "floodworker/configs"
	"floodworker/pkg/api"
	"floodworker/pkg/api/middleware"
	"floodworker/pkg/auth"
	"floodworker/pkg/bootstrap"
	"floodworker/pkg/workerclient"
)

const serviceName = "floodworker-gateway"

func main() {
	cfg := config.LoadConfig()

	log, err := bootstrap.Logger(cfg, serviceName)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.WorkerURL == "" {
		log.Fatal("MODEL_WORKER_URL is not configured")
	}
	jwtSvc, err := auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret))
	if err != nil {
		log.Fatal("JWT_SECRET is not configured", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := bootstrap.Tracing(ctx, cfg, serviceName)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	store, err := bootstrap.Store(cfg)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	if store == nil {
		log.Fatal("the gateway keeps simulation history and needs DB_DRIVER=postgres or sqlite")
	}
	defer store.Close()
	log.Info("history store connected", zap.String("driver", cfg.DBDriver))

	worker := workerclient.NewClient(cfg.WorkerURL, cfg.WorkerAPIKey, cfg.GatewayWorkerWait)
	if err := worker.Health(ctx); err != nil {
		log.Warn("model worker is not reachable yet", zap.String("url", cfg.WorkerURL), zap.Error(err))
	}

	limiter := middleware.NewRateLimiter(ctx, middleware.DefaultRateLimiterConfig())

	port := cfg.Port
	if port == "" || port == "5001" {
		port = "5000"
	}
	serverCfg := api.Config{
		Port:            port,
		ServiceName:     serviceName,
		Logger:          log,
		Worker:          worker,
		History:         store,
		JWT:             jwtSvc,
		MaxHistoryItems: cfg.MaxHistoryItems,
		CORSOrigin:      cfg.CORSOrigin,
		RateLimit:       limiter,
		WriteTimeout:    cfg.GatewayWorkerWait + time.Minute,
	}
	serverCfg.Upload.MaxFileBytes = cfg.UploadMaxBytes

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(serverCfg)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()
	log.Info("gateway started", zap.String("port", port), zap.String("worker", cfg.WorkerURL))

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
