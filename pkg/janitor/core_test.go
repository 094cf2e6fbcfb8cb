package janitor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"floodworker/pkg/coordination"
	"floodworker/pkg/janitor"
	"floodworker/pkg/models"
	"floodworker/pkg/storage/postgres"
)

type countingSweeper struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	n      int
	err    error
}

func (s *countingSweeper) SweepArenas(maxAge time.Duration) (int, error) {
	s.calls.Add(1)
	s.maxAge.Store(int64(maxAge))
	return s.n, s.err
}

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	store, err := postgres.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func runningOn(t *testing.T, store *postgres.Store, nodeID string) *models.Run {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{Hydrograph: "H1", ExecutionTime: "60"}
	require.NoError(t, store.CreateRun(ctx, run))
	require.NoError(t, store.MarkRunning(ctx, run.ID, nodeID, time.Now()))
	return run
}

func TestNewCore_RejectsBadSchedule(t *testing.T) {
	_, err := janitor.NewCore(janitor.Config{Schedule: "every now and then"}, nil)
	assert.Error(t, err)
}

func TestReapOrphans_FailsRunsOfLostNodes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	coord := coordination.NewLocal()
	require.NoError(t, coord.RegisterNode(ctx, models.Node{ID: "alive"}, 30))

	kept := runningOn(t, store, "alive")
	lost := runningOn(t, store, "gone")

	core, err := janitor.NewCore(janitor.Config{Runs: store, Coordinator: coord}, nil)
	require.NoError(t, err)

	count, err := core.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	got, err := store.GetRun(ctx, lost.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "NodeLost", got.ErrorKind)

	got, err = store.GetRun(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
}

func TestReapOrphans_NoNodesReapsEverything(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	runningOn(t, store, "a")
	runningOn(t, store, "b")

	core, err := janitor.NewCore(janitor.Config{Runs: store, Coordinator: coordination.NewLocal()}, nil)
	require.NoError(t, err)

	count, err := core.ReapOrphans(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestSweepArenas_UsesMaxAge(t *testing.T) {
	sweeper := &countingSweeper{n: 2, err: errors.New("one arena busy")}
	core, err := janitor.NewCore(janitor.Config{Arenas: sweeper, ArenaMaxAge: 5 * time.Minute}, nil)
	require.NoError(t, err)

	n, err := core.SweepArenas()
	assert.Equal(t, 2, n)
	assert.Error(t, err)
	assert.Equal(t, int64(5*time.Minute), sweeper.maxAge.Load())
}

func TestRun_SchedulesTasksUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newStore(t)
	coord := coordination.NewLocal()
	orphan := runningOn(t, store, "gone")
	sweeper := &countingSweeper{}
	// The store's connection goroutines outlive the test body.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	election := coord.NewElection("janitor")
	require.NoError(t, election.Campaign(ctx, "janitor-1"))

	core, err := janitor.NewCore(janitor.Config{
		Schedule:    "@every 1s",
		Runs:        store,
		Coordinator: coord,
		Arenas:      sweeper,
		NodeID:      "janitor-1",
	}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		core.Run(ctx, election)
	}()

	require.Eventually(t, func() bool {
		run, err := store.GetRun(context.Background(), orphan.ID)
		return err == nil && run.Status == models.RunFailed && sweeper.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestRun_FollowerDoesNotReap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newStore(t)
	coord := coordination.NewLocal()
	orphan := runningOn(t, store, "gone")
	sweeper := &countingSweeper{}

	election := coord.NewElection("janitor")
	require.NoError(t, election.Campaign(ctx, "someone-else"))

	core, err := janitor.NewCore(janitor.Config{
		Schedule:    "@every 1s",
		Runs:        store,
		Coordinator: coord,
		Arenas:      sweeper,
		NodeID:      "janitor-2",
	}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		core.Run(ctx, election)
	}()

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	<-done

	run, err := store.GetRun(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, run.Status)
}
