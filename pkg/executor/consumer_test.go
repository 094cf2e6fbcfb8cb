package executor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodworker/pkg/coordination"
	"floodworker/pkg/executor"
	"floodworker/pkg/models"
	"floodworker/pkg/storage"
)

type memQueue struct {
	ch chan uuid.UUID

	mu    sync.Mutex
	acked []string
}

func newMemQueue() *memQueue { return &memQueue{ch: make(chan uuid.UUID, 16)} }

func (q *memQueue) Push(_ context.Context, id uuid.UUID) error {
	q.ch <- id
	return nil
}

func (q *memQueue) Pop(ctx context.Context, _, _ string) (string, uuid.UUID, error) {
	select {
	case <-ctx.Done():
		return "", uuid.Nil, ctx.Err()
	case id := <-q.ch:
		return id.String(), id, nil
	case <-time.After(20 * time.Millisecond):
		return "", uuid.Nil, nil
	}
}

func (q *memQueue) Ack(_ context.Context, _, msgID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msgID)
	return nil
}

func (q *memQueue) EnsureGroup(context.Context, string) error { return nil }

func (q *memQueue) Depth(context.Context) (int64, error) { return int64(len(q.ch)), nil }

func (q *memQueue) ackCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.acked)
}

type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*models.Run
}

func newMemRuns() *memRuns { return &memRuns{runs: make(map[uuid.UUID]*models.Run)} }

func (m *memRuns) CreateRun(_ context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.RunPending
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRuns) ListRuns(context.Context, int) ([]models.Run, error) { return nil, nil }

func (m *memRuns) MarkRunning(_ context.Context, id uuid.UUID, nodeID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if r.Status != models.RunPending {
		return storage.ErrConflict
	}
	r.Status = models.RunRunning
	r.NodeID = &nodeID
	r.StartedAt = &at
	return nil
}

func (m *memRuns) Complete(_ context.Context, id uuid.UUID, out storage.RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	r.Status = out.Status
	r.ErrorKind = out.ErrorKind
	r.Message = out.Message
	r.Detail = out.Detail
	r.ArtifactName = out.ArtifactName
	r.ArtifactURI = out.ArtifactURI
	r.ExitCode = out.ExitCode
	return nil
}

func (m *memRuns) CancelPending(context.Context, uuid.UUID) error { return nil }

func (m *memRuns) MarkOrphansAsFailed(context.Context, []string) (int64, error) { return 0, nil }

func (m *memRuns) status(id uuid.UUID) models.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id].Status
}

type memArtifacts struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (a *memArtifacts) Store(_ context.Context, runID, name string, data []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ref := "mem://" + runID + "/" + name
	a.data[ref] = data
	return ref, nil
}

func (a *memArtifacts) Retrieve(_ context.Context, ref string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.data[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

// flakyRuns fails selected calls the way a dropped database connection does.
type flakyRuns struct {
	*memRuns
	markErr error
	getErr  error
}

func (f *flakyRuns) MarkRunning(ctx context.Context, id uuid.UUID, nodeID string, at time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.memRuns.MarkRunning(ctx, id, nodeID, at)
}

func (f *flakyRuns) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.memRuns.GetRun(ctx, id)
}

type runnerFunc func(ctx context.Context, req models.JobRequest) (*executor.Artifact, error)

func (f runnerFunc) Execute(ctx context.Context, req models.JobRequest) (*executor.Artifact, error) {
	return f(ctx, req)
}

type consumerHarness struct {
	queue     *memQueue
	runs      *memRuns
	artifacts *memArtifacts
	coord     *coordination.Local
	stop      func()
}

func startConsumer(t *testing.T, exec executor.Runner) *consumerHarness {
	t.Helper()
	return startConsumerWith(t, exec, nil)
}

// startConsumerWith lets wrap put a different RunStore in front of the
// in-memory runs.
func startConsumerWith(t *testing.T, exec executor.Runner, wrap func(*memRuns) storage.RunStore) *consumerHarness {
	t.Helper()
	h := &consumerHarness{
		queue:     newMemQueue(),
		runs:      newMemRuns(),
		artifacts: &memArtifacts{data: make(map[string][]byte)},
		coord:     coordination.NewLocal(),
	}
	var runs storage.RunStore = h.runs
	if wrap != nil {
		runs = wrap(h.runs)
	}
	c := executor.NewConsumer(executor.ConsumerConfig{
		NodeID:            "node-1",
		Concurrency:       2,
		Queue:             h.queue,
		Runs:              runs,
		Artifacts:         h.artifacts,
		Coordinator:       h.coord,
		HeartbeatInterval: 50 * time.Millisecond,
	}, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()
	h.stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(h.stop)
	return h
}

func (h *consumerHarness) submit(t *testing.T) uuid.UUID {
	t.Helper()
	run := &models.Run{Hydrograph: "H1", ExecutionTime: "60"}
	require.NoError(t, h.runs.CreateRun(context.Background(), run))
	require.NoError(t, h.queue.Push(context.Background(), run.ID))
	return run.ID
}

func TestConsumer_RecordsSuccess(t *testing.T) {
	var seen models.JobRequest
	var mu sync.Mutex
	h := startConsumer(t, runnerFunc(func(_ context.Context, req models.JobRequest) (*executor.Artifact, error) {
		mu.Lock()
		seen = req
		mu.Unlock()
		return &executor.Artifact{Name: "result.plt", Content: "DATA", Size: 4}, nil
	}))

	id := h.submit(t)

	require.Eventually(t, func() bool { return h.runs.status(id) == models.RunSuccess }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	run, err := h.runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "result.plt", run.ArtifactName)
	require.NotEmpty(t, run.ArtifactURI)

	data, err := h.artifacts.Retrieve(context.Background(), run.ArtifactURI)
	require.NoError(t, err)
	assert.Equal(t, "DATA", string(data))

	mu.Lock()
	assert.Equal(t, id.String(), seen.JobID)
	assert.Equal(t, "H1", seen.Hydrograph)
	mu.Unlock()
}

func TestConsumer_RecordsErrorKind(t *testing.T) {
	h := startConsumer(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		return nil, &executor.ExecutionError{
			Kind:     executor.KindExecutionFailed,
			Message:  "model execution failed with code 2",
			Detail:   "bad input",
			ExitCode: 2,
		}
	}))

	id := h.submit(t)

	require.Eventually(t, func() bool { return h.runs.status(id) == models.RunFailed }, 5*time.Second, 10*time.Millisecond)
	run, _ := h.runs.GetRun(context.Background(), id)
	assert.Equal(t, "ExecutionFailed", run.ErrorKind)
	assert.Equal(t, "bad input", run.Detail)
	assert.Equal(t, 2, run.ExitCode)
}

func TestConsumer_CancelledRunIsMarkedCancelled(t *testing.T) {
	h := startConsumer(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		return nil, &executor.ExecutionError{Kind: executor.KindCancelled, Message: "execution cancelled"}
	}))

	id := h.submit(t)

	require.Eventually(t, func() bool { return h.runs.status(id) == models.RunCancelled }, 5*time.Second, 10*time.Millisecond)
}

func TestConsumer_SkipsRunsThatAreNoLongerPending(t *testing.T) {
	var calls int
	var mu sync.Mutex
	h := startConsumer(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &executor.Artifact{Name: "x.plt"}, nil
	}))

	run := &models.Run{Hydrograph: "H1", Status: models.RunCancelled}
	require.NoError(t, h.runs.CreateRun(context.Background(), run))
	require.NoError(t, h.queue.Push(context.Background(), run.ID))

	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
	assert.Equal(t, models.RunCancelled, h.runs.status(run.ID))
}

func TestConsumer_ArtifactStoreFailureFailsRun(t *testing.T) {
	h := startConsumer(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		return &executor.Artifact{Name: "result.plt", Content: "DATA"}, nil
	}))
	h.artifacts.err = errors.New("bucket unavailable")

	id := h.submit(t)

	require.Eventually(t, func() bool { return h.runs.status(id) == models.RunFailed }, 5*time.Second, 10*time.Millisecond)
	run, _ := h.runs.GetRun(context.Background(), id)
	assert.Equal(t, "ArtifactStoreError", run.ErrorKind)
	assert.Contains(t, run.Detail, "bucket unavailable")
}

func TestConsumer_RegistersNode(t *testing.T) {
	h := startConsumer(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		return nil, nil
	}))

	require.Eventually(t, func() bool {
		nodes, err := h.coord.GetActiveNodes(context.Background())
		return err == nil && len(nodes) == 1 && nodes[0].ID == "node-1"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumer_StoreErrorOnClaimLeavesMessageQueued(t *testing.T) {
	var calls atomic.Int32
	h := startConsumerWith(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		calls.Add(1)
		return &executor.Artifact{Name: "x.plt"}, nil
	}), func(m *memRuns) storage.RunStore {
		return &flakyRuns{memRuns: m, markErr: errors.New("connection reset by peer")}
	})

	id := h.submit(t)

	// Give the consumer time to pop and give up on the run.
	require.Eventually(t, func() bool { return len(h.queue.ch) == 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, h.queue.ackCount())
	assert.Equal(t, models.RunPending, h.runs.status(id))
	assert.Zero(t, calls.Load())
}

func TestConsumer_StoreErrorAfterClaimFailsRun(t *testing.T) {
	var calls atomic.Int32
	h := startConsumerWith(t, runnerFunc(func(context.Context, models.JobRequest) (*executor.Artifact, error) {
		calls.Add(1)
		return &executor.Artifact{Name: "x.plt"}, nil
	}), func(m *memRuns) storage.RunStore {
		return &flakyRuns{memRuns: m, getErr: errors.New("connection reset by peer")}
	})

	id := h.submit(t)

	require.Eventually(t, func() bool { return h.runs.status(id) == models.RunFailed }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.queue.ackCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	run, err := h.runs.GetRun(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "StoreError", run.ErrorKind)
	assert.Contains(t, run.Detail, "connection reset by peer")
	assert.Zero(t, calls.Load())
}
