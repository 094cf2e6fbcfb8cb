package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"floodworker/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record is not in the expected state")
)

// RunOutcome is the final state recorded for a run.
type RunOutcome struct {
	Status       models.RunStatus
	ErrorKind    string
	Message      string
	Detail       string
	ArtifactName string
	ArtifactURI  string
	ExitCode     int
}

// RunStore defines the data access layer for asynchronous runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error

	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)

	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)

	// MarkRunning moves a PENDING run to RUNNING on nodeID. It returns
	// ErrConflict when the run is no longer pending.
	MarkRunning(ctx context.Context, id uuid.UUID, nodeID string, startedAt time.Time) error

	// Complete records the final outcome of a run.
	Complete(ctx context.Context, id uuid.UUID, outcome RunOutcome) error

	// CancelPending cancels a run that has not started. It returns
	// ErrConflict when the run is already running or finished.
	CancelPending(ctx context.Context, id uuid.UUID) error

	// MarkOrphansAsFailed fails runs stuck in RUNNING on nodes that are
	// not in activeNodeIDs.
	MarkOrphansAsFailed(ctx context.Context, activeNodeIDs []string) (int64, error)
}

// HistoryStore keeps the newest simulations per user and model.
type HistoryStore interface {
	// SaveHistory stores h and deletes all but the newest keep entries
	// for the same user and model.
	SaveHistory(ctx context.Context, h *models.SimulationHistory, keep int) error

	// ListHistory returns newest first.
	ListHistory(ctx context.Context, userID, modelName string, limit int) ([]models.SimulationHistory, error)
}

// Queue defines the mechanism for dispatching runs to workers.
type Queue interface {
	// Push adds a run to the pending queue.
	Push(ctx context.Context, runID uuid.UUID) error

	// Pop retrieves the next run for a consumer group. It returns a zero
	// run ID when nothing arrived before the poll timeout.
	Pop(ctx context.Context, group string, consumer string) (msgID string, runID uuid.UUID, err error)

	// Ack acknowledges a message as processed.
	Ack(ctx context.Context, group string, msgID string) error

	// EnsureGroup ensures the consumer group exists.
	EnsureGroup(ctx context.Context, group string) error

	// Depth returns the number of entries in the stream.
	Depth(ctx context.Context) (int64, error)
}

// ArtifactStore keeps result files of asynchronous runs.
type ArtifactStore interface {
	// Store saves data and returns a reference for Retrieve.
	Store(ctx context.Context, runID, name string, data []byte) (string, error)
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}
