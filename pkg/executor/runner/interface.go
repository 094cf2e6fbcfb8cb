package runner

import (
	"context"
	"time"
)

// Spec describes one interactive child process.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the parent environment

	// Prompt is the stdout marker after which Answer is written to stdin.
	// An empty Prompt means stdin is never written.
	Prompt string
	Answer string

	// PromptBufferLimit bounds the stdout window searched for Prompt.
	// It is raised to twice the marker length when smaller.
	PromptBufferLimit int

	// CaptureLimit bounds each captured stream; the tail is kept.
	CaptureLimit int

	// WaitDelay bounds how long pipes are drained after the context ends.
	WaitDelay time.Duration

	// OnOutput, when set, sees every chunk read from stdout or stderr.
	OnOutput func(stream string, chunk []byte)
}

// Result captures the outcome of a child process.
type Result struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	Duration       time.Duration
	PromptAnswered bool
	AnswersWritten int

	StartErr    error // the process never ran
	Err         error // wait or pipe error, including *exec.ExitError
	Interrupted bool  // the context ended before the process exited on its own
}

// ProcessRunner runs a single interactive process to completion.
type ProcessRunner interface {
	Run(ctx context.Context, spec Spec) Result
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	DefaultPromptBufferLimit = 64 << 10
	DefaultCaptureLimit      = 1 << 20
	DefaultWaitDelay         = 5 * time.Second
)
