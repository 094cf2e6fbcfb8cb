package coordination

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"floodworker/pkg/models"
)

var ErrNoLeader = errors.New("no leader elected")

// Local coordinates goroutines of a single process. It is what a worker
// uses when no etcd cluster is configured.
type Local struct {
	mu     sync.Mutex
	locks  map[string]*semaphore.Weighted
	nodes  map[string]localNode
	leader map[string]string
	now    func() time.Time
}

type localNode struct {
	node    models.Node
	expires time.Time
}

func NewLocal() *Local {
	return &Local{
		locks:  make(map[string]*semaphore.Weighted),
		nodes:  make(map[string]localNode),
		leader: make(map[string]string),
		now:    time.Now,
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

func (l *Local) RegisterNode(_ context.Context, node models.Node, ttl int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	node.SeenAt = l.now()
	l.nodes[node.ID] = localNode{node: node, expires: node.SeenAt.Add(time.Duration(ttl) * time.Second)}
	return nil
}

func (l *Local) GetActiveNodes(_ context.Context) ([]models.Node, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var nodes []models.Node
	for id, n := range l.nodes {
		if now.After(n.expires) {
			delete(l.nodes, id)
			continue
		}
		nodes = append(nodes, n.node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// NewElection returns an election that the first campaigner wins at once.
func (l *Local) NewElection(name string) Election {
	return &localElection{owner: l, name: name}
}

func (l *Local) Close() error { return nil }

type localElection struct {
	owner *Local
	name  string
	value string
}

func (e *localElection) Campaign(ctx context.Context, value string) error {
	for {
		e.owner.mu.Lock()
		if cur, ok := e.owner.leader[e.name]; !ok || cur == value {
			e.owner.leader[e.name] = value
			e.value = value
			e.owner.mu.Unlock()
			return nil
		}
		e.owner.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (e *localElection) Resign(_ context.Context) error {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	if cur, ok := e.owner.leader[e.name]; ok && cur == e.value {
		delete(e.owner.leader, e.name)
	}
	return nil
}

func (e *localElection) Leader(_ context.Context) (string, error) {
	e.owner.mu.Lock()
	defer e.owner.mu.Unlock()
	if v, ok := e.owner.leader[e.name]; ok {
		return v, nil
	}
	return "", ErrNoLeader
}
