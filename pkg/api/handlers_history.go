package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"floodworker/pkg/api/middleware"
	"floodworker/pkg/metrics"
	"floodworker/pkg/models"
	"floodworker/pkg/workerclient"
)

const (
	defaultModelName     = "UnknownModel"
	defaultExecutionTime = "60"
)

// runModel handles POST /api/model/run
func (s *Server) runModel(c *gin.Context) {
	claims, _ := middleware.GetUserFromContext(c)

	up, err := s.uploads.Parse(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": validationMessage(err)})
		return
	}
	if up.ModelName == "" {
		up.ModelName = defaultModelName
	}
	if up.ExecutionTime == "" {
		up.ExecutionTime = defaultExecutionTime
	}
	log := s.logger.With(zap.String("user_id", claims.UserID), zap.String("model", up.ModelName))

	resp, err := s.cfg.Worker.Execute(c.Request.Context(), workerclient.Request{
		Hydrograph:    up.Hydrograph,
		Tide:          up.Tide,
		ExecutionTime: up.ExecutionTime,
	})
	if err != nil {
		var we *workerclient.WorkerError
		if errors.As(err, &we) {
			log.Warn("model worker reported failure", zap.Int("status", we.StatusCode), zap.String("kind", we.Kind))
			c.JSON(http.StatusBadGateway, gin.H{
				"status":    "error",
				"message":   we.Message,
				"errorKind": we.Kind,
				"details":   we.Details,
			})
			return
		}
		log.Error("model worker unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "error",
			"message": "Error communicating with model worker: " + err.Error(),
		})
		return
	}

	if resp.PltData != "" {
		entry := &models.SimulationHistory{
			UserID:                 claims.UserID,
			ModelName:              up.ModelName,
			HydrographInput:        string(up.Hydrograph),
			TideInput:              optionalText(up.Tide),
			ExecutionTimeRequested: up.ExecutionTime,
			PltOutputData:          resp.PltData,
			RunAt:                  time.Now(),
		}
		s.saveHistory(c.Request.Context(), entry, log)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Model executed successfully by worker.",
		"pltData": resp.PltData,
	})
}

// saveHistory never fails the request; a lost history entry is logged.
func (s *Server) saveHistory(ctx context.Context, entry *models.SimulationHistory, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.cfg.History.SaveHistory(ctx, entry, s.cfg.MaxHistoryItems); err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		log.Error("failed to save simulation history", zap.Error(err))
		return
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
}

// getHistory handles GET /api/history/:modelName
func (s *Server) getHistory(c *gin.Context) {
	claims, _ := middleware.GetUserFromContext(c)
	modelName := c.Param("modelName")
	if modelName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "fail", "message": "Model name parameter is required."})
		return
	}

	history, err := s.cfg.History.ListHistory(c.Request.Context(), claims.UserID, modelName, s.cfg.MaxHistoryItems)
	if err != nil {
		s.logger.Error("failed to list history", zap.String("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Could not retrieve simulation history."})
		return
	}
	if history == nil {
		history = []models.SimulationHistory{}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"results": len(history),
		"data": gin.H{
			"history": history,
		},
	})
}
