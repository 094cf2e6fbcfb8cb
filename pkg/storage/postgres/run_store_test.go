package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodworker/pkg/models"
	"floodworker/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRun(t *testing.T, s *Store) *models.Run {
	t.Helper()
	run := &models.Run{ModelName: "coastal", Hydrograph: "H1", ExecutionTime: "60"}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	tide := "T1"
	run := &models.Run{ModelName: "coastal", Hydrograph: "H1", Tide: &tide, ExecutionTime: "90"}

	require.NoError(t, s.CreateRun(context.Background(), run))
	require.NotEqual(t, uuid.Nil, run.ID)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status)
	assert.Equal(t, "H1", got.Hydrograph)
	require.NotNil(t, got.Tide)
	assert.Equal(t, "T1", *got.Tide)

	req := got.Request()
	assert.Equal(t, run.ID.String(), req.JobID)
	assert.Equal(t, "90", req.ExecutionTime)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMarkRunning_OnlyFromPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s)

	require.NoError(t, s.MarkRunning(ctx, run.ID, "node-1", time.Now()))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRunning, got.Status)
	require.NotNil(t, got.NodeID)
	assert.Equal(t, "node-1", *got.NodeID)

	err = s.MarkRunning(ctx, run.ID, "node-2", time.Now())
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = s.MarkRunning(ctx, uuid.New(), "node-2", time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := newRun(t, s)
	require.NoError(t, s.MarkRunning(ctx, run.ID, "node-1", time.Now()))

	err := s.Complete(ctx, run.ID, storage.RunOutcome{
		Status:    models.RunFailed,
		ErrorKind: "ExecutionFailed",
		Message:   "model execution failed with code 2",
		Detail:    "bad input",
		ExitCode:  2,
	})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "ExecutionFailed", got.ErrorKind)
	assert.Equal(t, "bad input", got.Detail)
	assert.Equal(t, 2, got.ExitCode)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.Complete(ctx, uuid.New(), storage.RunOutcome{Status: models.RunSuccess}), storage.ErrNotFound)
}

func TestCancelPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := newRun(t, s)
	require.NoError(t, s.CancelPending(ctx, pending.ID))
	got, err := s.GetRun(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, got.Status)

	running := newRun(t, s)
	require.NoError(t, s.MarkRunning(ctx, running.ID, "node-1", time.Now()))
	assert.ErrorIs(t, s.CancelPending(ctx, running.ID), storage.ErrConflict)
}

func TestMarkOrphansAsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alive := newRun(t, s)
	require.NoError(t, s.MarkRunning(ctx, alive.ID, "node-alive", time.Now()))
	lost := newRun(t, s)
	require.NoError(t, s.MarkRunning(ctx, lost.ID, "node-lost", time.Now()))
	pending := newRun(t, s)

	n, err := s.MarkOrphansAsFailed(ctx, []string{"node-alive"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetRun(ctx, lost.ID)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "NodeLost", got.ErrorKind)

	got, _ = s.GetRun(ctx, alive.ID)
	assert.Equal(t, models.RunRunning, got.Status)
	got, _ = s.GetRun(ctx, pending.ID)
	assert.Equal(t, models.RunPending, got.Status)

	n, err = s.MarkOrphansAsFailed(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		run := &models.Run{Hydrograph: "H", SubmittedAt: time.Now().Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateRun(ctx, run))
		ids = append(ids, run.ID)
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[1], runs[1].ID)
	assert.Empty(t, runs[0].Hydrograph, "inputs are not listed")
}

func TestSaveHistory_KeepsNewestThree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		h := &models.SimulationHistory{
			UserID:          "user-1",
			ModelName:       "coastal",
			HydrographInput: fmt.Sprintf("H%d", i),
			PltOutputData:   fmt.Sprintf("P%d", i),
			RunAt:           base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveHistory(ctx, h, 3))
	}
	other := &models.SimulationHistory{UserID: "user-1", ModelName: "riverine", HydrographInput: "R", RunAt: base}
	require.NoError(t, s.SaveHistory(ctx, other, 3))

	items, err := s.ListHistory(ctx, "user-1", "coastal", 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "H4", items[0].HydrographInput)
	assert.Equal(t, "H3", items[1].HydrographInput)
	assert.Equal(t, "H2", items[2].HydrographInput)

	items, err = s.ListHistory(ctx, "user-1", "riverine", 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = s.ListHistory(ctx, "user-2", "coastal", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}
