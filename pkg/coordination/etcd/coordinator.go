package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"floodworker/pkg/coordination"
	"floodworker/pkg/models"
)

const (
	prefixNodes     = "/floodworker/nodes/"
	prefixLocks     = "/floodworker/locks/"
	prefixElections = "/floodworker/elections/"
)

type EtcdCoordinator struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger

	// local serializes callers of this process before they reach etcd;
	// mutexes created from one session share a key and would not exclude
	// each other.
	local *coordination.Local

	mu      sync.Mutex
	leaseID clientv3.LeaseID
}

func NewEtcdCoordinator(endpoints []string, ttl int, logger *zap.Logger) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps its own lease alive; locks and elections hang off it.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdCoordinator{
		client:  cli,
		session: sess,
		logger:  logger,
		local:   coordination.NewLocal(),
	}, nil
}

func (c *EtcdCoordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Lock takes the in-process lock for key, then the cluster-wide etcd mutex.
func (c *EtcdCoordinator) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := c.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	m := concurrency.NewMutex(c.session, prefixLocks+lockName(key))
	if err := m.Lock(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.Unlock(ctx); err != nil {
				c.logger.Warn("failed to release etcd lock", zap.String("key", key), zap.Error(err))
			}
			unlockLocal()
		})
	}, nil
}

func (c *EtcdCoordinator) NewElection(name string) coordination.Election {
	e := concurrency.NewElection(c.session, prefixElections+name)
	return &EtcdElection{election: e}
}

// EtcdElection wraps the etcd concurrency.Election struct
type EtcdElection struct {
	election *concurrency.Election
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		if err == concurrency.ErrElectionNoLeader {
			return "", coordination.ErrNoLeader
		}
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}

// RegisterNode writes the node record under a lease. The lease is granted
// once and refreshed by every later call; if it has expired meanwhile a
// new one is granted.
func (c *EtcdCoordinator) RegisterNode(ctx context.Context, node models.Node, ttl int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.leaseID != 0 {
		if _, err := c.client.KeepAliveOnce(ctx, c.leaseID); err != nil {
			c.logger.Warn("node lease lost, granting a new one", zap.Error(err))
			c.leaseID = 0
		}
	}
	if c.leaseID == 0 {
		resp, err := c.client.Grant(ctx, int64(ttl))
		if err != nil {
			return fmt.Errorf("failed to grant lease: %w", err)
		}
		c.leaseID = resp.ID
	}

	node.SeenAt = time.Now().UTC()
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	if _, err := c.client.Put(ctx, prefixNodes+node.ID, string(payload), clientv3.WithLease(c.leaseID)); err != nil {
		return fmt.Errorf("failed to put node key: %w", err)
	}
	return nil
}

func (c *EtcdCoordinator) GetActiveNodes(ctx context.Context) ([]models.Node, error) {
	resp, err := c.client.Get(ctx, prefixNodes, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]models.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var n models.Node
		if err := json.Unmarshal(kv.Value, &n); err != nil {
			// Not a node record; keep the ID from the key.
			n = models.Node{ID: strings.TrimPrefix(string(kv.Key), prefixNodes)}
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// lockName turns an arbitrary key such as a directory pair into a stable
// etcd-safe name.
func lockName(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}
