package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InteractiveRunner runs a console program that asks for one line of input
// after printing a prompt.
type InteractiveRunner struct {
	logger *zap.Logger
}

func NewInteractiveRunner(logger *zap.Logger) *InteractiveRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InteractiveRunner{logger: logger}
}

func (r *InteractiveRunner) Run(ctx context.Context, spec Spec) Result {
	start := time.Now()

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killTree(cmd.Process.Pid)
	}

	stdin, stdout, stderr, err := pipes(cmd)
	if err != nil {
		return Result{ExitCode: -1, StartErr: err, Duration: time.Since(start)}
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, StartErr: fmt.Errorf("failed to start %s: %w", spec.Path, err), Duration: time.Since(start)}
	}
	r.logger.Debug("process started", zap.String("path", spec.Path), zap.Int("pid", cmd.Process.Pid))

	outBuf := newTailBuffer(spec.CaptureLimit)
	errBuf := newTailBuffer(spec.CaptureLimit)
	answer := &answerer{
		watcher: newPromptWatcher(spec.Prompt, spec.PromptBufferLimit),
		stdin:   stdin,
		line:    []byte(spec.Answer + "\n"),
		logger:  r.logger,
	}

	var g errgroup.Group
	g.Go(func() error {
		return pump(stdout, StreamStdout, outBuf, spec.OnOutput, answer.observe)
	})
	g.Go(func() error {
		return pump(stderr, StreamStderr, errBuf, spec.OnOutput, nil)
	})

	readDone := make(chan error, 1)
	go func() { readDone <- g.Wait() }()

	var readErr error
	select {
	case readErr = <-readDone:
	case <-ctx.Done():
		// Cancel has already killed the tree; pipes normally reach EOF at
		// once. Anything still holding them open gets WaitDelay.
		delay := spec.WaitDelay
		if delay <= 0 {
			delay = DefaultWaitDelay
		}
		timer := time.NewTimer(delay)
		select {
		case readErr = <-readDone:
		case <-timer.C:
			_ = stdout.Close()
			_ = stderr.Close()
			readErr = <-readDone
		}
		timer.Stop()
	}

	waitErr := cmd.Wait()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	res := Result{
		ExitCode:       exitCode,
		Stdout:         outBuf.String(),
		Stderr:         errBuf.String(),
		Duration:       time.Since(start),
		PromptAnswered: answer.watcher.Fired(),
		AnswersWritten: answer.written,
		Interrupted:    ctx.Err() != nil,
	}
	switch {
	case waitErr != nil:
		res.Err = waitErr
	case readErr != nil && !errors.Is(readErr, io.EOF):
		res.Err = fmt.Errorf("failed to read process output: %w", readErr)
	}
	if outBuf.Truncated() || errBuf.Truncated() {
		r.logger.Debug("process output truncated", zap.Int("capture_limit", spec.CaptureLimit))
	}
	return res
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stderr: %w", err)
	}
	return stdin, stdout, stderr, nil
}

// pump copies src into dst until EOF, handing every chunk to the hooks.
func pump(src io.Reader, stream string, dst io.Writer, hook func(string, []byte), observe func([]byte)) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = dst.Write(chunk)
			if hook != nil {
				hook(stream, chunk)
			}
			if observe != nil {
				observe(chunk)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// answerer writes the answer line to stdin the first time the prompt shows up.
type answerer struct {
	once    sync.Once
	watcher *promptWatcher
	stdin   io.Writer
	line    []byte
	written int
	logger  *zap.Logger
}

func (a *answerer) observe(chunk []byte) {
	if !a.watcher.Feed(chunk) {
		return
	}
	a.once.Do(func() {
		if _, err := a.stdin.Write(a.line); err != nil {
			a.logger.Warn("failed to answer prompt", zap.Error(err))
			return
		}
		a.written++
		a.logger.Debug("prompt answered")
	})
}
