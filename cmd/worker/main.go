package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	config "floodworker/configs"
	"floodworker/pkg/api"
	"floodworker/pkg/bootstrap"
	"floodworker/pkg/executor"
	"floodworker/pkg/janitor"
)

const serviceName = "floodworker-worker"

func main() {
	cfg := config.LoadConfig()

	log, err := bootstrap.Logger(cfg, serviceName)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	log.Info("starting up",
		zap.String("exe", cfg.ModelExePath),
		zap.String("input_dir", cfg.ModelInputDir),
		zap.String("output_dir", cfg.ModelOutputDir),
		zap.String("isolation", cfg.Isolation),
	)

	// Create cancellable context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := bootstrap.Tracing(ctx, cfg, serviceName)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}

	coord, err := bootstrap.Coordinator(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize coordination", zap.Error(err))
	}
	defer coord.Close()

	exec, err := executor.New(executor.OptionsFromConfig(cfg), coord, log)
	if err != nil {
		log.Fatal("failed to initialize executor", zap.Error(err))
	}

	store, err := bootstrap.Store(cfg)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	if store != nil {
		defer store.Close()
	}

	queue, err := bootstrap.Queue(cfg)
	if err != nil {
		log.Fatal("failed to initialize redis queue", zap.Error(err))
	}
	if queue != nil {
		defer queue.Close()
	}

	serverCfg := api.Config{
		Port:         cfg.Port,
		ServiceName:  serviceName,
		Logger:       log,
		Executor:     exec,
		Coordinator:  coord,
		APIKeys:      bootstrap.ServiceKeys(cfg, queue),
		CORSOrigin:   cfg.CORSOrigin,
		WriteTimeout: writeTimeout(cfg.ModelTimeout),
	}
	serverCfg.Upload.MaxFileBytes = cfg.UploadMaxBytes

	var wg sync.WaitGroup

	// The async pipeline needs both the run records and the stream.
	if store != nil && queue != nil {
		artifacts, err := bootstrap.Artifacts(ctx, cfg)
		if err != nil {
			log.Fatal("failed to initialize artifact store", zap.Error(err))
		}
		serverCfg.Runs = store
		serverCfg.Queue = queue
		serverCfg.Artifacts = artifacts

		consumer := executor.NewConsumer(executor.ConsumerConfig{
			NodeID:            exec.ID,
			Concurrency:       slotsFor(cfg),
			Queue:             queue,
			Runs:              store,
			Artifacts:         artifacts,
			Coordinator:       coord,
			Node:              exec.Node,
			HeartbeatInterval: cfg.HeartbeatInterval,
			NodeTTL:           cfg.NodeTTL,
		}, exec, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Start(ctx)
		}()
	} else if store != nil || queue != nil {
		log.Warn("run pipeline disabled; it needs both DB_DRIVER and REDIS_HOST")
	}

	if cfg.Isolation == config.IsolationArena {
		sweeper, err := janitor.NewCore(janitor.Config{
			Schedule:    cfg.JanitorSchedule,
			Arenas:      exec,
			ArenaMaxAge: cfg.ArenaMaxAge,
		}, log)
		if err != nil {
			log.Fatal("failed to initialize arena sweeper", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx, nil)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(serverCfg)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func slotsFor(cfg *config.Config) int {
	if cfg.Isolation == config.IsolationArena {
		return cfg.MaxConcurrency
	}
	return 1
}

// writeTimeout lets a synchronous execution finish before the connection
// is cut. Zero (no model timeout) leaves writes unbounded.
func writeTimeout(model time.Duration) time.Duration {
	if model <= 0 {
		return 0
	}
	return model + time.Minute
}
