// Package reaper stops agent subprocesses and reclaims idle thread sessions.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultGracePeriod is how long a process gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Process is the handle the terminator needs. harness.Process satisfies it.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Done() <-chan struct{}
}

// Result describes how a termination ended.
type Result struct {
	AlreadyExited bool
	Forced        bool
}

// Terminator applies SIGTERM, a grace period, then SIGKILL.
type Terminator struct {
	grace  time.Duration
	logger *log.Logger
}

// NewTerminator builds a terminator; a non-positive grace uses DefaultGracePeriod.
func NewTerminator(grace time.Duration, logger *log.Logger) *Terminator {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Terminator{grace: grace, logger: logger.With("component", "terminator")}
}

// Terminate returns once proc has exited. Calling it on an exited process is
// a no-op, and concurrent calls on the same process are safe.
func (t *Terminator) Terminate(ctx context.Context, proc Process) (Result, error) {
	if t == nil {
		return Result{}, errors.New("terminator is nil")
	}
	if proc == nil {
		return Result{AlreadyExited: true}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-proc.Done():
		return Result{AlreadyExited: true}, nil
	default:
	}

	pid := proc.PID()
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if isProcessGone(err) {
			<-proc.Done()
			return Result{AlreadyExited: true}, nil
		}
		return Result{}, fmt.Errorf("send SIGTERM to pid %d: %w", pid, err)
	}

	timer := time.NewTimer(t.grace)
	defer timer.Stop()

	select {
	case <-proc.Done():
		t.logger.Debug("process exited after SIGTERM", "pid", pid)
		return Result{}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
	}

	t.logger.Warn("process ignored SIGTERM; killing", "pid", pid, "grace", t.grace)
	if err := proc.Signal(syscall.SIGKILL); err != nil && !isProcessGone(err) {
		return Result{}, fmt.Errorf("send SIGKILL to pid %d: %w", pid, err)
	}

	select {
	case <-proc.Done():
		return Result{Forced: true}, nil
	case <-ctx.Done():
		return Result{Forced: true}, ctx.Err()
	}
}

func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}
