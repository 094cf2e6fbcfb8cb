package coordination

import (
	"context"

	"floodworker/pkg/models"
)

// Coordinator handles coordination between worker processes.
type Coordinator interface {
	Locker

	// RegisterNode publishes node as alive for ttl seconds. Calling it again
	// before the ttl runs out refreshes the registration.
	RegisterNode(ctx context.Context, node models.Node, ttl int) error

	// GetActiveNodes lists nodes whose registration has not expired.
	GetActiveNodes(ctx context.Context) ([]models.Node, error)

	// NewElection creates a new election instance for a given campaign name.
	NewElection(name string) Election

	// Close terminates the coordinator connection.
	Close() error
}

// Locker provides mutual exclusion keyed by name.
type Locker interface {
	// Lock blocks until the named lock is held or ctx ends. The returned
	// function releases it and is safe to call more than once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign blocks until leadership is acquired or ctx ends.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value (if any).
	Leader(ctx context.Context) (string, error)
}

// NodeIDs extracts the IDs of nodes.
func NodeIDs(nodes []models.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
