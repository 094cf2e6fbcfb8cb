package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"floodworker/pkg/api/middleware"
	"floodworker/pkg/executor"
	"floodworker/pkg/models"
)

// JobIDHeader carries the job ID of a synchronous execution so the caller
// can cancel it.
const JobIDHeader = "X-Job-ID"

// executeModel handles POST /model-worker/execute
func (s *Server) executeModel(c *gin.Context) {
	up, err := s.uploads.Parse(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":   false,
			"errorKind": executor.KindInvalidInput,
			"message":   validationMessage(err),
		})
		return
	}

	req := models.JobRequest{
		JobID:         uuid.NewString(),
		Hydrograph:    string(up.Hydrograph),
		Tide:          optionalText(up.Tide),
		ExecutionTime: up.ExecutionTime,
	}
	c.Header(JobIDHeader, req.JobID)

	art, err := s.cfg.Executor.Execute(c.Request.Context(), req)
	if err != nil {
		var ee *executor.ExecutionError
		if !errors.As(err, &ee) {
			ee = &executor.ExecutionError{Kind: executor.KindSetupError, Message: err.Error()}
		}
		c.JSON(statusForKind(ee.Kind), gin.H{
			"success":   false,
			"errorKind": ee.Kind,
			"message":   ee.Message,
			"details":   ee.Detail,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Model executed and output retrieved.",
		"pltData":      art.Content,
		"artifactText": art.Content,
		"artifactName": art.Name,
	})
}

// cancelExecution handles POST /model-worker/execute/:jobId/cancel
func (s *Server) cancelExecution(c *gin.Context) {
	jobID := c.Param("jobId")
	if !s.cfg.Executor.Cancel(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no running execution with that job ID"})
		return
	}
	s.logger.Info("execution cancelled by request", zap.String("job_id", jobID))
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "cancellation requested", "job_id": jobID})
}

// workerHealth handles GET /model-worker/health
func (s *Server) workerHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "UP",
		"message":   "Model worker is healthy",
		"isolation": s.cfg.Executor.Isolation(),
		"running":   s.cfg.Executor.Running(),
	})
}

func statusForKind(kind executor.ErrorKind) int {
	switch kind {
	case executor.KindInvalidInput:
		return http.StatusBadRequest
	case executor.KindTimeout:
		return http.StatusGatewayTimeout
	case executor.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validationMessage(err error) string {
	var ve *middleware.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}

func optionalText(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}
