package executor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an execution did not produce an artifact.
type ErrorKind string

const (
	KindInvalidInput     ErrorKind = "InvalidInput"
	KindSetupError       ErrorKind = "SetupError"
	KindSpawnError       ErrorKind = "SpawnError"
	KindExecutionFailed  ErrorKind = "ExecutionFailed"
	KindOutputNotFound   ErrorKind = "OutputNotFound"
	KindOutputUnreadable ErrorKind = "OutputUnreadable"
	KindTimeout          ErrorKind = "Timeout"
	KindCancelled        ErrorKind = "Cancelled"
)

// Sentinels for errors.Is matching against an *ExecutionError.
var (
	ErrInvalidInput     = &ExecutionError{Kind: KindInvalidInput}
	ErrSetup            = &ExecutionError{Kind: KindSetupError}
	ErrSpawn            = &ExecutionError{Kind: KindSpawnError}
	ErrExecutionFailed  = &ExecutionError{Kind: KindExecutionFailed}
	ErrOutputNotFound   = &ExecutionError{Kind: KindOutputNotFound}
	ErrOutputUnreadable = &ExecutionError{Kind: KindOutputUnreadable}
	ErrTimeout          = &ExecutionError{Kind: KindTimeout}
	ErrCancelled        = &ExecutionError{Kind: KindCancelled}
)

// ExecutionError is the only error type Execute returns.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	// Detail carries diagnostic output, usually the model's stderr or stdout.
	Detail   string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is matches any *ExecutionError of the same kind.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not an *ExecutionError.
func KindOf(err error) ErrorKind {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

func newError(kind ErrorKind, err error, format string, args ...any) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
