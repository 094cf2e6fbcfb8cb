//go:build unix

package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"floodworker/pkg/executor/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestInteractiveRunner_AnswersPromptOnce(t *testing.T) {
	script := writeScript(t, `
printf 'Enter time:'
read t
echo "got $t"
printf 'Enter time:'
echo done
`)
	r := runner.NewInteractiveRunner(nil)

	res := r.Run(context.Background(), runner.Spec{
		Path:   script,
		Dir:    filepath.Dir(script),
		Prompt: "Enter time:",
		Answer: "120",
	})

	require.NoError(t, res.StartErr)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.PromptAnswered)
	assert.Equal(t, 1, res.AnswersWritten)
	assert.Contains(t, res.Stdout, "got 120")
	assert.False(t, res.Interrupted)
}

func TestInteractiveRunner_WorkingDirectory(t *testing.T) {
	script := writeScript(t, "pwd\n")
	r := runner.NewInteractiveRunner(nil)

	res := r.Run(context.Background(), runner.Spec{Path: script, Dir: filepath.Dir(script)})

	want, err := filepath.EvalSymlinks(filepath.Dir(script))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestInteractiveRunner_NoPromptNoWrite(t *testing.T) {
	script := writeScript(t, "echo hello\nexit 3\n")
	r := runner.NewInteractiveRunner(nil)

	res := r.Run(context.Background(), runner.Spec{Path: script})

	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.PromptAnswered)
	assert.Equal(t, 0, res.AnswersWritten)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Error(t, res.Err)
}

func TestInteractiveRunner_CapturesStderr(t *testing.T) {
	script := writeScript(t, "echo oops >&2\nexit 1\n")
	r := runner.NewInteractiveRunner(nil)

	res := r.Run(context.Background(), runner.Spec{Path: script})

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestInteractiveRunner_StartFailure(t *testing.T) {
	r := runner.NewInteractiveRunner(nil)

	res := r.Run(context.Background(), runner.Spec{Path: filepath.Join(t.TempDir(), "missing")})

	assert.Error(t, res.StartErr)
	assert.Equal(t, -1, res.ExitCode)
}

func TestInteractiveRunner_ContextKillsTree(t *testing.T) {
	script := writeScript(t, "sleep 30 &\nsleep 30\n")
	r := runner.NewInteractiveRunner(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := r.Run(ctx, runner.Spec{Path: script, WaitDelay: time.Second})

	assert.True(t, res.Interrupted)
	assert.NotEqual(t, 0, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestInteractiveRunner_CaptureLimitKeepsTail(t *testing.T) {
	script := writeScript(t, "i=0\nwhile [ $i -lt 200 ]; do echo line$i; i=$((i+1)); done\n")
	r := runner.NewInteractiveRunner(nil)

	res := r.Run(context.Background(), runner.Spec{Path: script, CaptureLimit: 16})

	assert.Len(t, res.Stdout, 16)
	assert.True(t, strings.HasSuffix(res.Stdout, "line199\n"))
}

func TestInteractiveRunner_OnOutputSeesBothStreams(t *testing.T) {
	script := writeScript(t, "echo out\necho err >&2\n")
	r := runner.NewInteractiveRunner(nil)

	var mu sync.Mutex
	seen := map[string]string{}
	res := r.Run(context.Background(), runner.Spec{
		Path: script,
		OnOutput: func(stream string, chunk []byte) {
			mu.Lock()
			seen[stream] += string(chunk)
			mu.Unlock()
		},
	})

	require.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", seen[runner.StreamStdout])
	assert.Equal(t, "err\n", seen[runner.StreamStderr])
}
