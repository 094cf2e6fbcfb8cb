// Package bootstrap opens the backing services the floodworker binaries
// share, each one optional according to the configuration.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	config "floodworker/configs"
	"floodworker/pkg/auth"
	"floodworker/pkg/coordination"
	"floodworker/pkg/coordination/etcd"
	"floodworker/pkg/logger"
	"floodworker/pkg/observability"
	"floodworker/pkg/storage"
	"floodworker/pkg/storage/postgres"
	"floodworker/pkg/storage/redis"
)

// Logger installs the global logger for service.
func Logger(cfg *config.Config, service string) (*zap.Logger, error) {
	lc := logger.DefaultConfig(service)
	lc.Level = cfg.LogLevel
	lc.Encoding = cfg.LogEncoding
	return logger.Init(lc)
}

// Tracing installs the tracer provider; disabled tracing still sets the
// propagator so trace headers pass through.
func Tracing(ctx context.Context, cfg *config.Config, service string) (*observability.Provider, error) {
	return observability.Init(ctx, observability.Config{
		ServiceName:    service,
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.TracingEndpoint,
		Enabled:        cfg.TracingEnabled,
		SamplingRate:   cfg.TracingSampleRate,
	})
}

// Store opens the run and history database, or returns nil when
// DB_DRIVER is "none".
func Store(cfg *config.Config) (*postgres.Store, error) {
	switch cfg.DBDriver {
	case "", "none":
		return nil, nil
	case "postgres":
		return postgres.NewPostgresStore(cfg.PostgresDSN())
	case "sqlite":
		return postgres.NewSQLiteStore(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q (want postgres, sqlite or none)", cfg.DBDriver)
	}
}

// Queue connects to the Redis run stream, or returns nil when Redis is not
// configured.
func Queue(cfg *config.Config) (*redis.RedisQueue, error) {
	addr := cfg.RedisAddr()
	if addr == "" {
		return nil, nil
	}
	return redis.NewRedisQueue(addr)
}

// Coordinator connects to etcd, or falls back to in-process coordination
// when no endpoints are configured.
func Coordinator(cfg *config.Config, log *zap.Logger) (coordination.Coordinator, error) {
	if len(cfg.EtcdEndpoints) == 0 {
		log.Info("no etcd endpoints configured; coordinating within this process only")
		return coordination.NewLocal(), nil
	}
	return etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.NodeTTL, log.Named("etcd"))
}

// Artifacts opens S3 when a bucket is configured and the local artifact
// directory otherwise.
func Artifacts(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error) {
	if cfg.S3Bucket != "" {
		return storage.NewS3ArtifactStore(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	}
	return storage.NewLocalArtifactStore(cfg.ArtifactDir)
}

// ServiceKeys combines the preshared worker key with the API keys kept in
// Redis. It returns nil when neither is available.
func ServiceKeys(cfg *config.Config, queue *redis.RedisQueue) auth.KeyValidator {
	var keys auth.AnyKey
	if cfg.WorkerAPIKey != "" {
		keys = append(keys, auth.NewStaticKey(cfg.WorkerAPIKey))
	}
	if queue != nil {
		keys = append(keys, auth.NewRedisAPIKeyStore(queue.Client()))
	}
	if len(keys) == 0 {
		return nil
	}
	return keys
}
