package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "floodworker/configs"
	"floodworker/pkg/api"
	"floodworker/pkg/bootstrap"
	"floodworker/pkg/janitor"
)

const serviceName = "floodworker-janitor"

func main() {
	cfg := config.LoadConfig()

	log, err := bootstrap.Logger(cfg, serviceName)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	// Create cancellable context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.Store(cfg)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	if store == nil {
		log.Fatal("the janitor needs DB_DRIVER=postgres or sqlite")
	}
	defer store.Close()

	coord, err := bootstrap.Coordinator(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize coordination", zap.Error(err))
	}
	defer coord.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "janitor"
	}
	nodeID := hostname + "-" + uuid.New().String()[:8]

	core, err := janitor.NewCore(janitor.Config{
		Schedule:    cfg.JanitorSchedule,
		Runs:        store,
		Coordinator: coord,
		NodeID:      nodeID,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize janitor", zap.Error(err))
	}

	election := coord.NewElection(api.DefaultElectionName)
	log.Info("follower: requesting leadership", zap.String("node_id", nodeID))
	if err := election.Campaign(ctx, nodeID); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown before leadership was acquired")
			return
		}
		log.Fatal("election campaign failed", zap.Error(err))
	}
	log.Info("leader: reaping orphaned runs", zap.String("schedule", cfg.JanitorSchedule))

	core.Run(ctx, election)

	// Resign leadership so another janitor can take over quickly
	resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := election.Resign(resignCtx); err != nil {
		log.Warn("failed to resign leadership", zap.Error(err))
	} else {
		log.Info("leadership resigned")
	}
	log.Info("shutdown complete")
}
