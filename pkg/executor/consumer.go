package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"floodworker/pkg/coordination"
	"floodworker/pkg/metrics"
	"floodworker/pkg/models"
	"floodworker/pkg/resilience"
	"floodworker/pkg/storage"
	redisqueue "floodworker/pkg/storage/redis"
)

// Runner is the part of Executor the consumer needs.
type Runner interface {
	Execute(ctx context.Context, req models.JobRequest) (*Artifact, error)
}

// ConsumerConfig wires a Consumer.
type ConsumerConfig struct {
	NodeID            string
	Group             string
	Concurrency       int
	Queue             storage.Queue
	Runs              storage.RunStore
	Artifacts         storage.ArtifactStore
	Coordinator       coordination.Coordinator
	Node              func() models.Node
	HeartbeatInterval time.Duration
	NodeTTL           int
}

// Consumer pulls queued runs and executes them.
type Consumer struct {
	cfg     ConsumerConfig
	exec    Runner
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, exec Runner, logger *zap.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = redisqueue.ConsumerGroup
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.NodeTTL <= 0 {
		cfg.NodeTTL = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		cfg:     cfg,
		exec:    exec,
		breaker: resilience.NewCircuitBreaker("artifact-store", resilience.DefaultCircuitBreakerConfig()),
		logger:  logger.With(zap.String("component", "consumer")),
	}
}

// Start runs the heartbeat and the work loop until ctx ends. It returns
// after every in-flight run has finished.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("consumer starting", zap.Int("concurrency", c.cfg.Concurrency))

	if err := c.cfg.Queue.EnsureGroup(ctx, c.cfg.Group); err != nil {
		c.logger.Warn("failed to ensure consumer group", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(ctx)
	}()

	sem := make(chan struct{}, c.cfg.Concurrency)
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				c.consumeOne(ctx)
			}()
		}
	}

	wg.Wait()
	c.logger.Info("consumer stopped")
}

func (c *Consumer) heartbeatLoop(ctx context.Context) {
	if c.cfg.Coordinator == nil {
		return
	}
	c.heartbeat(ctx)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Consumer) heartbeat(ctx context.Context) {
	node := models.Node{ID: c.cfg.NodeID}
	if c.cfg.Node != nil {
		node = c.cfg.Node()
	}
	if err := c.cfg.Coordinator.RegisterNode(ctx, node, c.cfg.NodeTTL); err != nil {
		c.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	metrics.HeartbeatsSent.Inc()

	if depth, err := c.cfg.Queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}

func (c *Consumer) consumeOne(ctx context.Context) {
	msgID, runID, err := c.cfg.Queue.Pop(ctx, c.cfg.Group, c.cfg.NodeID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("failed to pop run", zap.Error(err))
		if msgID != "" {
			// Malformed message; drop it so it is not redelivered forever.
			_ = c.cfg.Queue.Ack(ctx, c.cfg.Group, msgID)
		}
		sleep(ctx, time.Second)
		return
	}
	if runID == uuid.Nil {
		return
	}

	if !c.process(ctx, runID) {
		// Left pending in the group; the queue hands it out again once it
		// has been idle long enough.
		sleep(ctx, time.Second)
		return
	}

	// The outcome is already recorded; ack with a fresh context so a
	// shutdown in between does not leave the message pending.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.cfg.Queue.Ack(ackCtx, c.cfg.Group, msgID); err != nil {
		c.logger.Warn("failed to ack run", zap.String("run_id", runID.String()), zap.Error(err))
	}
}

// process executes one run and records its outcome. It reports whether the
// message is settled; false means the run could not be claimed because of a
// store error and must stay in the queue.
func (c *Consumer) process(ctx context.Context, runID uuid.UUID) bool {
	log := c.logger.With(zap.String("run_id", runID.String()))

	if err := c.cfg.Runs.MarkRunning(ctx, runID, c.cfg.NodeID, time.Now()); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			log.Info("skipping run that is no longer pending", zap.Error(err))
			return true
		}
		log.Error("failed to mark run as running", zap.Error(err))
		return false
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	run, err := c.cfg.Runs.GetRun(ctx, runID)
	if err != nil {
		log.Error("failed to load run", zap.Error(err))
		outcome := storage.RunOutcome{
			Status:    models.RunFailed,
			ErrorKind: "StoreError",
			Message:   "run inputs could not be loaded",
			Detail:    err.Error(),
			ExitCode:  -1,
		}
		if err := c.cfg.Runs.Complete(recordCtx, runID, outcome); err != nil {
			log.Error("failed to record run result", zap.Error(err))
		}
		return true
	}

	art, execErr := c.exec.Execute(ctx, run.Request())
	outcome := c.outcome(ctx, runID, art, execErr, log)

	if err := c.cfg.Runs.Complete(recordCtx, runID, outcome); err != nil {
		log.Error("failed to record run result", zap.Error(err))
	}
	return true
}

func (c *Consumer) outcome(ctx context.Context, runID uuid.UUID, art *Artifact, execErr error, log *zap.Logger) storage.RunOutcome {
	if execErr != nil {
		out := storage.RunOutcome{Status: models.RunFailed, Message: execErr.Error(), ExitCode: -1}
		var ee *ExecutionError
		if errors.As(execErr, &ee) {
			out.ErrorKind = string(ee.Kind)
			out.Message = ee.Message
			out.Detail = ee.Detail
			if ee.ExitCode != 0 {
				out.ExitCode = ee.ExitCode
			}
			if ee.Kind == KindCancelled {
				out.Status = models.RunCancelled
			}
		}
		return out
	}

	out := storage.RunOutcome{
		Status:       models.RunSuccess,
		Message:      "model executed and output retrieved",
		ArtifactName: art.Name,
	}
	if c.cfg.Artifacts == nil {
		return out
	}

	err := c.breaker.Execute(ctx, func() error {
		uri, err := c.cfg.Artifacts.Store(ctx, runID.String(), art.Name, []byte(art.Content))
		out.ArtifactURI = uri
		return err
	})
	if err != nil {
		log.Error("failed to store artifact", zap.Error(err))
		out.Status = models.RunFailed
		out.ErrorKind = "ArtifactStoreError"
		out.Message = "model ran, but the artifact could not be stored"
		out.Detail = err.Error()
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
