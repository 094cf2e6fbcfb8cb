package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"floodworker/pkg/api/middleware"
	"floodworker/pkg/auth"
	"floodworker/pkg/coordination"
	"floodworker/pkg/executor"
	"floodworker/pkg/models"
	"floodworker/pkg/storage"
	"floodworker/pkg/workerclient"
)

// ModelExecutor is the part of executor.Executor the worker routes use.
type ModelExecutor interface {
	Execute(ctx context.Context, req models.JobRequest) (*executor.Artifact, error)
	Cancel(jobID string) bool
	Running() int
	Isolation() string
}

// ModelWorker forwards gateway runs to a worker.
type ModelWorker interface {
	Execute(ctx context.Context, req workerclient.Request) (*workerclient.Response, error)
	Health(ctx context.Context) error
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        Config
	uploads    *middleware.UploadValidator
	logger     *zap.Logger
}

// Config holds API server configuration. Route groups are registered only
// when the components they need are set: Executor enables the worker
// routes, Runs and Queue the run pipeline, Worker with History and JWT the
// gateway routes.
type Config struct {
	Port        string
	ServiceName string
	Logger      *zap.Logger

	Executor    ModelExecutor
	Runs        storage.RunStore
	Queue       storage.Queue
	Artifacts   storage.ArtifactStore
	History     storage.HistoryStore
	Worker      ModelWorker
	Coordinator coordination.Coordinator
	// ElectionName is the campaign reported by the cluster leader route.
	ElectionName string

	JWT     *auth.JWTService
	APIKeys auth.KeyValidator

	Upload          middleware.UploadConfig
	MaxHistoryItems int
	CORSOrigin      string
	// RateLimit applies to the gateway routes; nil disables it.
	RateLimit *middleware.RateLimiter
	// WriteTimeout bounds a whole response, so it must exceed the model timeout.
	WriteTimeout time.Duration
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "floodworker"
	}
	if cfg.MaxHistoryItems <= 0 {
		cfg.MaxHistoryItems = 3
	}
	if cfg.Upload.MaxFileBytes <= 0 {
		cfg.Upload = middleware.DefaultUploadConfig()
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.CORSOrigin))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(cfg.Logger))

	s := &Server{
		router:  router,
		cfg:     cfg,
		uploads: middleware.NewUploadValidator(cfg.Upload),
		logger:  cfg.Logger.With(zap.String("component", "api")),
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	serviceAuth := s.serviceAuth()
	bodyLimit := middleware.BodySizeLimitMiddleware(s.uploads.MaxRequestBytes())

	if s.cfg.Executor != nil {
		worker := s.router.Group("/model-worker")
		{
			worker.GET("/health", s.workerHealth)
			worker.POST("/execute", append(serviceAuth, bodyLimit, s.executeModel)...)
			worker.POST("/execute/:jobId/cancel", append(serviceAuth, s.cancelExecution)...)
		}
	}

	v1 := s.router.Group("/api/v1", serviceAuth...)
	if s.cfg.Runs != nil && s.cfg.Queue != nil {
		runs := v1.Group("/runs")
		{
			runs.POST("", bodyLimit, s.submitRun)
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
			runs.GET("/:id/artifact", s.getRunArtifact)
			runs.POST("/:id/cancel", s.cancelRun)
		}
	}
	if s.cfg.Coordinator != nil {
		cluster := v1.Group("/cluster")
		{
			cluster.GET("/nodes", s.listNodes)
			cluster.GET("/leader", s.getLeader)
		}
	}

	if s.cfg.Worker != nil && s.cfg.History != nil && s.cfg.JWT != nil {
		gateway := s.router.Group("/api", middleware.AuthMiddleware(middleware.AuthConfig{JWTService: s.cfg.JWT}))
		if s.cfg.RateLimit != nil {
			gateway.Use(s.cfg.RateLimit.Middleware())
		}
		gateway.POST("/model/run", bodyLimit, s.runModel)
		gateway.GET("/history/:modelName", s.getHistory)
	}
}

// serviceAuth guards worker and pipeline routes. Without any credential
// source the routes are open.
func (s *Server) serviceAuth() []gin.HandlerFunc {
	if s.cfg.APIKeys == nil && s.cfg.JWT == nil {
		s.logger.Warn("no API key or JWT secret configured; worker routes are unauthenticated")
		return nil
	}
	return []gin.HandlerFunc{
		middleware.AuthMiddleware(middleware.AuthConfig{JWTService: s.cfg.JWT, APIKeys: s.cfg.APIKeys}),
		middleware.RequireRole(auth.RoleService),
	}
}

// healthCheck reports which components this process runs with.
func (s *Server) healthCheck(c *gin.Context) {
	deps := gin.H{
		"executor": s.cfg.Executor != nil,
		"runs":     s.cfg.Runs != nil,
		"queue":    s.cfg.Queue != nil,
		"gateway":  s.cfg.Worker != nil,
	}
	if p, ok := s.cfg.Runs.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":       "degraded",
				"error":        err.Error(),
				"dependencies": deps,
				"timestamp":    time.Now().UTC(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
