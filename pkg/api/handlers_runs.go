package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"floodworker/pkg/metrics"
	"floodworker/pkg/models"
	"floodworker/pkg/storage"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// submitRun handles POST /api/v1/runs
func (s *Server) submitRun(c *gin.Context) {
	up, err := s.uploads.Parse(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationMessage(err)})
		return
	}

	run := &models.Run{
		ModelName:     up.ModelName,
		Status:        models.RunPending,
		Hydrograph:    string(up.Hydrograph),
		Tide:          optionalText(up.Tide),
		ExecutionTime: up.ExecutionTime,
	}
	ctx := c.Request.Context()
	if err := s.cfg.Runs.CreateRun(ctx, run); err != nil {
		s.logger.Error("failed to create run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create run"})
		return
	}

	if err := s.cfg.Queue.Push(ctx, run.ID); err != nil {
		s.logger.Error("failed to enqueue run", zap.String("run_id", run.ID.String()), zap.Error(err))
		outcome := storage.RunOutcome{
			Status:    models.RunFailed,
			ErrorKind: "QueueError",
			Message:   "run could not be queued",
			Detail:    err.Error(),
			ExitCode:  -1,
		}
		if err := s.cfg.Runs.Complete(ctx, run.ID, outcome); err != nil {
			s.logger.Warn("failed to record queue failure", zap.String("run_id", run.ID.String()), zap.Error(err))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run queue unavailable"})
		return
	}
	metrics.RunsSubmitted.Inc()

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// listRuns handles GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	limit := defaultRunLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := s.cfg.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, run)
}

// getRunArtifact handles GET /api/v1/runs/:id/artifact
func (s *Server) getRunArtifact(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	if run.Status != models.RunSuccess || run.ArtifactURI == "" || s.cfg.Artifacts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run has no stored artifact", "status": run.Status})
		return
	}

	data, err := s.cfg.Artifacts.Retrieve(c.Request.Context(), run.ArtifactURI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
			return
		}
		s.logger.Error("failed to retrieve artifact", zap.String("run_id", run.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve artifact"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+run.ArtifactName+`"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// cancelRun handles POST /api/v1/runs/:id/cancel
func (s *Server) cancelRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if run.Status == models.RunPending {
		err := s.cfg.Runs.CancelPending(ctx, run.ID)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"message": "run cancelled", "id": run.ID})
			return
		}
		if !errors.Is(err, storage.ErrConflict) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel run"})
			return
		}
		// A worker picked it up in the meantime.
		if run, err = s.cfg.Runs.GetRun(ctx, run.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reload run"})
			return
		}
	}

	if run.Status == models.RunRunning {
		if s.cfg.Executor != nil && s.cfg.Executor.Cancel(run.ID.String()) {
			c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested", "id": run.ID})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "run is executing on another node", "node_id": run.NodeID})
		return
	}

	c.JSON(http.StatusConflict, gin.H{"error": "run already finished", "status": run.Status})
}

func (s *Server) loadRun(c *gin.Context) (*models.Run, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return nil, false
	}

	run, err := s.cfg.Runs.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		}
		return nil, false
	}
	return run, true
}
