package test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/ship-commander/threadbridge/internal/chat"
	"github.com/ship-commander/threadbridge/internal/harness"
)

// Message is one recorded chat.postMessage call.
type Message struct {
	Channel  string
	ThreadTS string
	Text     string
}

// Reaction is one recorded reaction change.
type Reaction struct {
	Channel string
	TS      string
	Name    string
	Removed bool
}

// ChatClient records outbound chat calls.
type ChatClient struct {
	mu        sync.Mutex
	messages  []Message
	reactions []Reaction
	// PostErr, when set, fails every PostMessage call.
	PostErr error
}

var _ chat.Client = (*ChatClient)(nil)

// PostMessage implements chat.Client.
func (c *ChatClient) PostMessage(_ context.Context, channel, text, threadTS string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PostErr != nil {
		return c.PostErr
	}
	c.messages = append(c.messages, Message{Channel: channel, ThreadTS: threadTS, Text: text})
	return nil
}

// AddReaction implements chat.Client.
func (c *ChatClient) AddReaction(_ context.Context, channel, ts, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, Reaction{Channel: channel, TS: ts, Name: name})
	return nil
}

// RemoveReaction implements chat.Client.
func (c *ChatClient) RemoveReaction(_ context.Context, channel, ts, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactions = append(c.reactions, Reaction{Channel: channel, TS: ts, Name: name, Removed: true})
	return nil
}

// Messages returns a copy of the posted messages.
func (c *ChatClient) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Texts returns the posted message texts.
func (c *ChatClient) Texts() []string {
	messages := c.Messages()
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text)
	}
	return out
}

// HasMessageContaining reports whether any posted text contains substr.
func (c *ChatClient) HasMessageContaining(substr string) bool {
	for _, text := range c.Texts() {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

// Reactions returns a copy of the recorded reactions.
func (c *ChatClient) Reactions() []Reaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reaction(nil), c.reactions...)
}

// Process is a harness.Process driven by the test through pipes.
type Process struct {
	pid     int
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	done    chan struct{}
	once    sync.Once

	mu       sync.Mutex
	exitCode int
	signals  []os.Signal
	// IgnoreTerm makes the process survive SIGTERM, as a stuck agent would.
	IgnoreTerm bool
}

var _ harness.Process = (*Process)(nil)

// NewProcess returns a live fake process.
func NewProcess(pid int) *Process {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &Process{
		pid:     pid,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		stderrR: stderrR,
		stderrW: stderrW,
		done:    make(chan struct{}),
	}
}

// PID implements harness.Process.
func (p *Process) PID() int { return p.pid }

// Stdout implements harness.Process.
func (p *Process) Stdout() io.Reader { return p.stdoutR }

// Stderr implements harness.Process.
func (p *Process) Stderr() io.Reader { return p.stderrR }

// Done implements harness.Process.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode implements harness.Process.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err implements harness.Process.
func (p *Process) Err() error { return nil }

// Signal implements harness.Process.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.IgnoreTerm
	p.mu.Unlock()
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !ignore) {
		p.Exit(-1)
	}
	return nil
}

// Signals returns the signals delivered so far.
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// WriteStdout writes raw bytes to stdout; it blocks until they are read.
func (p *Process) WriteStdout(data string) error {
	_, err := io.WriteString(p.stdoutW, data)
	return err
}

// WriteStdoutLines writes each line followed by a newline.
func (p *Process) WriteStdoutLines(lines ...string) error {
	for _, line := range lines {
		if err := p.WriteStdout(line + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteStderr writes raw bytes to stderr.
func (p *Process) WriteStderr(data string) error {
	_, err := io.WriteString(p.stderrW, data)
	return err
}

// Exit closes both streams and marks the process exited. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

// Launcher is a harness.Launcher that hands out fake processes.
type Launcher struct {
	mu       sync.Mutex
	requests []harness.LaunchRequest
	procs    []*Process
	nextPID  int
	// Err fails every launch.
	Err error
	// Script, when set, drives each launched process from its own goroutine.
	Script func(req harness.LaunchRequest, proc *Process)
}

var _ harness.Launcher = (*Launcher)(nil)

// Launch implements harness.Launcher.
func (l *Launcher) Launch(ctx context.Context, req harness.LaunchRequest) (harness.Process, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, harness.ErrPromptRequired
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.requests = append(l.requests, req)
	if l.Err != nil {
		l.mu.Unlock()
		return nil, &harness.SpawnError{Binary: "fake-claude", Err: l.Err}
	}
	l.nextPID++
	proc := NewProcess(1000 + l.nextPID)
	l.procs = append(l.procs, proc)
	script := l.Script
	l.mu.Unlock()

	if script != nil {
		go script(req, proc)
	}
	return proc, nil
}

// Requests returns the launch requests seen so far.
func (l *Launcher) Requests() []harness.LaunchRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]harness.LaunchRequest(nil), l.requests...)
}

// Processes returns the processes launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// ErrSpawn is a convenient launch failure for tests.
var ErrSpawn = errors.New("exec: \"claude\": executable file not found in $PATH")
