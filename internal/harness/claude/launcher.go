// Package claude launches the Claude CLI in stream-json mode.
package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/harness"
)

const defaultBinary = "claude"

// Config configures the launcher.
type Config struct {
	Binary    string
	Model     string
	WorkDir   string
	ExtraArgs []string
	Env       []string
	Logger    *log.Logger
}

// Launcher implements harness.Launcher with os/exec.
type Launcher struct {
	binary    string
	model     string
	workDir   string
	extraArgs []string
	env       []string
	logger    *log.Logger
}

// New builds a launcher. Env is appended to the current environment.
func New(cfg Config) *Launcher {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Launcher{
		binary:    binary,
		model:     strings.TrimSpace(cfg.Model),
		workDir:   strings.TrimSpace(cfg.WorkDir),
		extraArgs: append([]string(nil), cfg.ExtraArgs...),
		env:       append([]string(nil), cfg.Env...),
		logger:    logger.With("component", "launcher"),
	}
}

// BuildArgs returns the CLI arguments for req.
func (l *Launcher) BuildArgs(req harness.LaunchRequest) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if id := strings.TrimSpace(req.ResumeSessionID); id != "" {
		args = append(args, "--resume", id)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = l.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return append(args, l.extraArgs...)
}

// Launch starts the CLI in its own process group. ctx only bounds the start;
// the running process is stopped through Signal.
func (l *Launcher) Launch(ctx context.Context, req harness.LaunchRequest) (harness.Process, error) {
	if l == nil {
		return nil, errors.New("launcher is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, harness.ErrPromptRequired
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	workDir := strings.TrimSpace(req.WorkDir)
	if workDir == "" {
		workDir = l.workDir
	}

	// #nosec G204 -- binary and flags come from operator configuration.
	cmd := exec.Command(l.binary, l.BuildArgs(req)...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdin = nil
	setProcGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, &harness.SpawnError{Binary: l.binary, Err: err}
	}
	// The child holds its own copies; closing ours lets readers see EOF.
	_ = stdoutW.Close()
	_ = stderrW.Close()

	proc := &process{
		cmd:    cmd,
		stdout: &closingReader{file: stdoutR},
		stderr: &closingReader{file: stderrR},
		done:   make(chan struct{}),
	}
	l.logger.Debug("agent started", "pid", cmd.Process.Pid, "resume", req.ResumeSessionID != "", "workdir", workDir)
	go proc.wait()
	return proc, nil
}

type process struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

func (p *process) PID() int { return p.cmd.Process.Pid }

func (p *process) Stdout() io.Reader { return p.stdout }

func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return signalGroup(p.cmd.Process, sig)
}

func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.waitErr = fmt.Errorf("wait for agent: %w", err)
	}
	p.mu.Unlock()
	close(p.done)
}

// closingReader closes the pipe once it reports EOF or an error.
type closingReader struct {
	file *os.File
	once sync.Once
}

func (r *closingReader) Read(b []byte) (int, error) {
	n, err := r.file.Read(b)
	if err != nil {
		r.once.Do(func() { _ = r.file.Close() })
	}
	return n, err
}

var _ harness.Launcher = (*Launcher)(nil)
