// Package harness defines how agent CLI subprocesses are launched and observed.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrPromptRequired rejects a launch without a prompt.
var ErrPromptRequired = errors.New("prompt is required")

// LaunchRequest describes one agent invocation.
type LaunchRequest struct {
	Prompt          string
	ResumeSessionID string
	WorkDir         string
	Model           string
}

// Process is a running agent subprocess. Stdout and Stderr must be read to
// EOF; Done closes once the process has been waited on.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Signal delivers sig to the process group. It returns os.ErrProcessDone
	// once the process has exited.
	Signal(sig os.Signal) error
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means killed by a signal.
	ExitCode() int
	// Err reports a wait failure other than a non-zero exit.
	Err() error
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Process, error)
}

// SpawnError wraps a failure to start the agent binary.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %s: %v", e.Binary, e.Err)
}

// Unwrap returns the underlying start error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is enables errors.Is checks for spawn failures.
func (e *SpawnError) Is(target error) bool {
	_, ok := target.(*SpawnError)
	return ok
}
