package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"floodworker/pkg/coordination"
	"floodworker/pkg/metrics"
	"floodworker/pkg/storage"
)

// ArenaSweeper removes abandoned arenas, see executor.Executor.SweepArenas.
type ArenaSweeper interface {
	SweepArenas(maxAge time.Duration) (int, error)
}

// Config wires a Core. Runs with Coordinator enable orphan reaping, Arenas
// enables the arena sweep; either may be left unset.
type Config struct {
	Schedule    string
	Runs        storage.RunStore
	Coordinator coordination.Coordinator
	Arenas      ArenaSweeper
	ArenaMaxAge time.Duration
	// NodeID is the value this janitor campaigns with. Reaping only runs
	// while the election names it as leader.
	NodeID string
}

type Core struct {
	cfg    Config
	cron   *cron.Cron
	logger *zap.Logger
}

func NewCore(cfg Config, logger *zap.Logger) (*Core, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.ArenaMaxAge <= 0 {
		cfg.ArenaMaxAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}

	return &Core{
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With(zap.String("component", "janitor")),
	}, nil
}

// Run schedules the enabled tasks and blocks until ctx is cancelled. A nil
// election means this process is the only janitor.
func (c *Core) Run(ctx context.Context, election coordination.Election) {
	if c.cfg.Runs != nil && c.cfg.Coordinator != nil {
		c.cron.AddFunc(c.cfg.Schedule, func() {
			if !c.isLeader(ctx, election) {
				return
			}
			if _, err := c.ReapOrphans(ctx); err != nil {
				c.logger.Error("orphan reaping failed", zap.Error(err))
			}
		})
	}
	if c.cfg.Arenas != nil {
		c.cron.AddFunc(c.cfg.Schedule, func() {
			if _, err := c.SweepArenas(); err != nil {
				c.logger.Warn("arena sweep failed", zap.Error(err))
			}
		})
	}

	c.logger.Info("janitor started", zap.String("schedule", c.cfg.Schedule), zap.Int("tasks", len(c.cron.Entries())))
	c.cron.Start()
	<-ctx.Done()

	<-c.cron.Stop().Done()
	c.logger.Info("janitor stopped")
}

func (c *Core) isLeader(ctx context.Context, election coordination.Election) bool {
	if election == nil {
		return true
	}
	leader, err := election.Leader(ctx)
	if err != nil {
		if !errors.Is(err, coordination.ErrNoLeader) && ctx.Err() == nil {
			c.logger.Warn("failed to check leadership", zap.Error(err))
		}
		return false
	}
	return leader == c.cfg.NodeID
}

// ReapOrphans fails runs left RUNNING by nodes that stopped heartbeating.
func (c *Core) ReapOrphans(ctx context.Context) (int64, error) {
	nodes, err := c.cfg.Coordinator.GetActiveNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get active nodes: %w", err)
	}
	metrics.ActiveNodes.Set(float64(len(nodes)))

	count, err := c.cfg.Runs.MarkOrphansAsFailed(ctx, coordination.NodeIDs(nodes))
	if err != nil {
		return 0, fmt.Errorf("failed to reap orphans: %w", err)
	}
	if count > 0 {
		metrics.OrphansReaped.Add(float64(count))
		c.logger.Warn("reaped orphaned runs", zap.Int64("count", count), zap.Int("active_nodes", len(nodes)))
	}
	return count, nil
}

// SweepArenas removes arenas older than the configured age.
func (c *Core) SweepArenas() (int, error) {
	n, err := c.cfg.Arenas.SweepArenas(c.cfg.ArenaMaxAge)
	if n > 0 {
		metrics.ArenasSwept.Add(float64(n))
		c.logger.Info("swept abandoned arenas", zap.Int("count", n))
	}
	return n, err
}
