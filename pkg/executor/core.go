package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	config "floodworker/configs"
	"floodworker/pkg/coordination"
	"floodworker/pkg/executor/runner"
	"floodworker/pkg/executor/workspace"
	"floodworker/pkg/metrics"
	"floodworker/pkg/models"
	"floodworker/pkg/observability"
)

// Artifact is the result file of a successful execution.
type Artifact = workspace.Artifact

var (
	errJobTimeout      = errors.New("model timeout exceeded")
	errCancelRequested = errors.New("cancellation requested")
)

// Options configures an Executor.
type Options struct {
	ExePath              string
	InputDir             string
	OutputDir            string
	OutputFilename       string
	OutputExtension      string
	Prompt               string
	DefaultExecutionTime string
	Timeout              time.Duration // 0 disables
	Isolation            string
	ArenaDir             string
	MaxConcurrency       int // arena mode only
	PromptBufferLimit    int
	CaptureLimit         int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ExePath:              cfg.ModelExePath,
		InputDir:             cfg.ModelInputDir,
		OutputDir:            cfg.ModelOutputDir,
		OutputFilename:       cfg.ModelOutputFilename,
		OutputExtension:      cfg.ModelOutputExtension,
		Prompt:               cfg.ModelPrompt,
		DefaultExecutionTime: cfg.DefaultExecutionTime,
		Timeout:              cfg.ModelTimeout,
		Isolation:            cfg.Isolation,
		ArenaDir:             cfg.ArenaDir,
		MaxConcurrency:       cfg.MaxConcurrency,
		PromptBufferLimit:    cfg.PromptBufferLimit,
		CaptureLimit:         cfg.OutputCaptureLimit,
	}
}

// Option customizes an Executor at construction.
type Option func(*Executor)

// WithRunner replaces the process runner.
func WithRunner(r runner.ProcessRunner) Option {
	return func(e *Executor) { e.runner = r }
}

// WithID sets the node ID reported in logs and the node registry.
func WithID(id string) Option {
	return func(e *Executor) { e.ID = id }
}

// Executor runs the flood model for one request at a time per slot.
type Executor struct {
	ID       string
	Hostname string

	opts      Options
	runner    runner.ProcessRunner
	workspace *workspace.Manager
	locker    coordination.Locker
	lockKey   string
	slots     *semaphore.Weighted
	slotCount int
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// New builds an Executor. In shared isolation locker serializes access to
// the model directories; it may be nil, in which case only this process is
// serialized.
func New(opts Options, locker coordination.Locker, logger *zap.Logger, options ...Option) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Isolation == "" {
		opts.Isolation = workspace.ModeShared
	}
	if opts.OutputExtension == "" {
		opts.OutputExtension = ".plt"
	}
	if opts.DefaultExecutionTime == "" {
		opts.DefaultExecutionTime = "60"
	}

	ws, err := workspace.NewManager(workspace.Settings{
		ExePath:   opts.ExePath,
		InputDir:  opts.InputDir,
		OutputDir: opts.OutputDir,
		Mode:      opts.Isolation,
		ArenaRoot: opts.ArenaDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up workspace: %w", err)
	}

	slots := 1
	if opts.Isolation == workspace.ModeArena {
		slots = opts.MaxConcurrency
		if slots < 1 {
			slots = runtime.NumCPU()
		}
	}
	if locker == nil {
		locker = coordination.NewLocal()
	}

	hostname, _ := os.Hostname()
	e := &Executor{
		ID:        fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		Hostname:  hostname,
		opts:      opts,
		workspace: ws,
		locker:    locker,
		lockKey:   opts.InputDir + "|" + opts.OutputDir,
		slots:     semaphore.NewWeighted(int64(slots)),
		slotCount: slots,
		running:   make(map[string]context.CancelCauseFunc),
	}
	for _, o := range options {
		o(e)
	}
	e.logger = logger.With(zap.String("node_id", e.ID))
	if e.runner == nil {
		e.runner = runner.NewInteractiveRunner(e.logger)
	}
	return e, nil
}

// Execute runs the model once for req and returns the discovered artifact.
// Every error is an *ExecutionError.
func (e *Executor) Execute(ctx context.Context, req models.JobRequest) (art *Artifact, err error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	log := e.logger.With(zap.String("job_id", req.JobID))

	ctx, span := observability.StartSpan(ctx, "executor.Execute",
		attribute.String("job.id", req.JobID),
		attribute.String("executor.isolation", e.opts.Isolation),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(KindOf(err))
			observability.SetError(ctx, err)
			log.Warn("execution failed", zap.String("kind", outcome), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		} else {
			log.Info("execution succeeded", zap.String("artifact", art.Name), zap.Int64("size", art.Size), zap.Duration("elapsed", time.Since(start)))
		}
		metrics.RecordRun(outcome, e.opts.Isolation, time.Since(start).Seconds())
	}()

	if err := e.normalize(&req); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !e.register(req.JobID, cancel) {
		return nil, newError(KindInvalidInput, nil, "job %s is already running", req.JobID)
	}
	defer e.unregister(req.JobID)

	if err := e.slots.Acquire(jobCtx, 1); err != nil {
		return nil, interrupted(jobCtx, "while waiting for an executor slot", "")
	}
	defer e.slots.Release(1)
	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	if e.workspace.Mode() == workspace.ModeShared {
		waitStart := time.Now()
		unlock, err := e.locker.Lock(jobCtx, e.lockKey)
		if err != nil {
			if jobCtx.Err() != nil {
				return nil, interrupted(jobCtx, "while waiting for the model directories", "")
			}
			return nil, newError(KindSetupError, err, "failed to lock the model directories")
		}
		defer unlock()
		metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	}

	log.Info("execution started", zap.String("execution_time", req.ExecutionTime), zap.Bool("tide", req.Tide != nil))
	return e.run(jobCtx, req, log)
}

// run holds the slot and, in shared mode, the directory lock.
func (e *Executor) run(ctx context.Context, req models.JobRequest, log *zap.Logger) (*Artifact, error) {
	layout, err := e.workspace.Prepare(req.JobID)
	if err != nil {
		return nil, newError(KindSetupError, err, "failed to prepare working directories")
	}
	defer func() {
		if err := e.workspace.Release(layout); err != nil {
			metrics.CleanupFailures.WithLabelValues("arena").Inc()
			log.Warn("failed to remove arena", zap.Error(err))
		}
	}()

	if info, err := os.Stat(layout.ExePath); err != nil {
		return nil, newError(KindSetupError, err, "model executable is missing")
	} else if info.IsDir() {
		return nil, newError(KindSetupError, nil, "model executable path %s is a directory", layout.ExePath)
	}

	if err := workspace.PurgeDir(layout.OutputDir); err != nil {
		return nil, newError(KindSetupError, err, "failed to clean output directory")
	}

	staged, err := workspace.Stage(layout.InputDir, req.Hydrograph, req.Tide)
	if err != nil {
		e.cleanup(staged, log)
		return nil, newError(KindSetupError, err, "failed to stage input files")
	}

	runCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, e.opts.Timeout, errJobTimeout)
		defer cancel()
	}

	spec := runner.Spec{
		Path:              layout.ExePath,
		Dir:               layout.WorkDir,
		Prompt:            e.opts.Prompt,
		Answer:            req.ExecutionTime,
		PromptBufferLimit: e.opts.PromptBufferLimit,
		CaptureLimit:      e.opts.CaptureLimit,
	}
	if log.Core().Enabled(zap.DebugLevel) {
		spec.OnOutput = func(stream string, chunk []byte) {
			log.Debug("model output", zap.String("stream", stream), zap.String("chunk", strings.TrimSpace(string(chunk))))
		}
	}

	observability.AddEvent(ctx, "process.start")
	res := e.runner.Run(runCtx, spec)
	observability.AddEvent(ctx, "process.exit", attribute.Int("exit_code", res.ExitCode))
	log.Info("model process finished", zap.Int("exit_code", res.ExitCode), zap.Duration("duration", res.Duration), zap.Bool("prompt_answered", res.PromptAnswered))

	e.cleanup(staged, log)

	if res.PromptAnswered {
		metrics.PromptsAnswered.Inc()
	}

	switch {
	case res.StartErr != nil:
		return nil, newError(KindSpawnError, res.StartErr, "failed to start model executable")
	case res.Interrupted && res.ExitCode != 0:
		return nil, interrupted(runCtx, "while the model was running", diagnostic(res))
	case res.ExitCode != 0:
		ee := newError(KindExecutionFailed, nil, "model execution failed with code %d", res.ExitCode)
		ee.Detail = diagnostic(res)
		ee.ExitCode = res.ExitCode
		return nil, ee
	}

	path, err := workspace.FindArtifact(layout.OutputDir, e.opts.OutputFilename, e.opts.OutputExtension)
	if err != nil {
		ee := newError(KindOutputNotFound, err, "model ran, but no %s output file was found in %s", e.opts.OutputExtension, layout.OutputDir)
		ee.Detail = res.Stdout
		return nil, ee
	}

	art, err := workspace.ReadArtifact(path)
	if err != nil {
		return nil, newError(KindOutputUnreadable, err, "model ran, but failed to read output file %s", path)
	}
	return art, nil
}

// Cancel interrupts the running execution with the given job ID.
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[jobID]
	e.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// Running reports the number of executions in progress, including those
// waiting for a slot.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Isolation returns "shared" or "arena".
func (e *Executor) Isolation() string { return e.opts.Isolation }

// SweepArenas removes abandoned arena directories older than maxAge.
func (e *Executor) SweepArenas(maxAge time.Duration) (int, error) {
	return e.workspace.Sweep(maxAge, time.Now())
}

// Node describes this executor for the node registry.
func (e *Executor) Node() models.Node {
	return models.Node{
		ID:          e.ID,
		Hostname:    e.Hostname,
		Isolation:   e.opts.Isolation,
		Slots:       e.slotCount,
		TotalMemMB:  detectTotalMemory(e.logger),
		RunningJobs: e.Running(),
	}
}

func (e *Executor) normalize(req *models.JobRequest) error {
	if req.Hydrograph == "" {
		return newError(KindInvalidInput, nil, "hydrograph input is required")
	}
	if req.ExecutionTime == "" {
		req.ExecutionTime = e.opts.DefaultExecutionTime
	}
	if strings.ContainsAny(req.ExecutionTime, "\r\n") {
		return newError(KindInvalidInput, nil, "execution time must be a single line")
	}
	return nil
}

func (e *Executor) register(jobID string, cancel context.CancelCauseFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[jobID]; exists {
		return false
	}
	e.running[jobID] = cancel
	return true
}

func (e *Executor) unregister(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

func (e *Executor) cleanup(staged []string, log *zap.Logger) {
	if err := workspace.Cleanup(staged); err != nil {
		metrics.CleanupFailures.WithLabelValues("inputs").Inc()
		log.Warn("failed to remove staged inputs", zap.Error(err))
	}
}

// interrupted maps the end of ctx to Timeout or Cancelled.
func interrupted(ctx context.Context, when, detail string) *ExecutionError {
	cause := context.Cause(ctx)
	var ee *ExecutionError
	if errors.Is(cause, errJobTimeout) {
		ee = newError(KindTimeout, cause, "model timed out %s", when)
	} else {
		ee = newError(KindCancelled, cause, "execution cancelled %s", when)
	}
	ee.Detail = detail
	return ee
}

func diagnostic(res runner.Result) string {
	if res.Stderr != "" {
		return res.Stderr
	}
	return res.Stdout
}

func detectTotalMemory(logger *zap.Logger) uint64 {
	v, err := mem.VirtualMemory()
	if err != nil {
		logger.Debug("failed to detect memory", zap.Error(err))
		return 0
	}
	return v.Total / 1024 / 1024
}
