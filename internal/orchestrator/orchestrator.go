// Package orchestrator turns inbound chat events into agent subprocess runs
// and streams their output back to the thread.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/ship-commander/threadbridge/internal/chat"
	"github.com/ship-commander/threadbridge/internal/contextstore"
	"github.com/ship-commander/threadbridge/internal/events"
	"github.com/ship-commander/threadbridge/internal/harness"
	"github.com/ship-commander/threadbridge/internal/output"
	"github.com/ship-commander/threadbridge/internal/reaper"
	"github.com/ship-commander/threadbridge/internal/session"
	"github.com/ship-commander/threadbridge/internal/state"
)

const (
	// DefaultSyncTimeout bounds how long a sync task may run before it is
	// stopped and its partial output returned.
	DefaultSyncTimeout = 90 * time.Second

	seenEventLimit = 512
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Messenger  *chat.Messenger
	Launcher   harness.Launcher
	Registry   *session.Registry
	Contexts   *contextstore.Store
	Terminator *reaper.Terminator
	Bus        events.Bus
	Logger     *log.Logger

	// AutoResponds reports whether plain channel messages in a channel get answers.
	AutoResponds func(channelID string) bool
	// BotUserID lets channel messages that mention the bot defer to the mention event.
	BotUserID   string
	Model       string
	SyncTimeout time.Duration
	Output      output.Options
	Now         func() time.Time
	NewTaskID   func() string
}

// TaskPayload is published with the task lifecycle events.
type TaskPayload struct {
	ThreadID string
	TaskID   string
	Kind     session.Kind
	PID      int
	Outcome  state.Outcome
	ExitCode int
	Elapsed  time.Duration
	Chunks   int
	Chars    int
	Error    string
}

// SessionClosedPayload is published when a thread's session is discarded.
type SessionClosedPayload struct {
	ThreadID string
	Reason   string
	Stopped  bool
}

// Orchestrator owns the per-thread task lifecycle.
type Orchestrator struct {
	messenger    *chat.Messenger
	launcher     harness.Launcher
	registry     *session.Registry
	contexts     *contextstore.Store
	terminator   *reaper.Terminator
	bus          events.Bus
	logger       *log.Logger
	autoResponds func(string) bool
	botUserID    string
	model        string
	syncTimeout  time.Duration
	outputOpts   output.Options
	now          func() time.Time
	newTaskID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	seen      map[string]struct{}
	seenOrder []string
}

// New validates opts and builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Messenger == nil:
		return nil, errors.New("messenger is required")
	case opts.Launcher == nil:
		return nil, errors.New("launcher is required")
	case opts.Registry == nil:
		return nil, errors.New("registry is required")
	case opts.Contexts == nil:
		return nil, errors.New("context store is required")
	case opts.Terminator == nil:
		return nil, errors.New("terminator is required")
	}
	o := &Orchestrator{
		messenger:    opts.Messenger,
		launcher:     opts.Launcher,
		registry:     opts.Registry,
		contexts:     opts.Contexts,
		terminator:   opts.Terminator,
		bus:          opts.Bus,
		logger:       opts.Logger,
		autoResponds: opts.AutoResponds,
		botUserID:    strings.TrimSpace(opts.BotUserID),
		model:        opts.Model,
		syncTimeout:  opts.SyncTimeout,
		outputOpts:   opts.Output,
		now:          opts.Now,
		newTaskID:    opts.NewTaskID,
		seen:         make(map[string]struct{}),
	}
	if o.bus == nil {
		o.bus = events.Nop{}
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	o.logger = o.logger.With("component", "orchestrator")
	if o.autoResponds == nil {
		o.autoResponds = func(string) bool { return false }
	}
	if o.syncTimeout <= 0 {
		o.syncTimeout = DefaultSyncTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.outputOpts.Now == nil {
		o.outputOpts.Now = o.now
	}
	if o.newTaskID == nil {
		o.newTaskID = uuid.NewString
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o, nil
}

// HandleEvent processes one inbound event. Sync tasks block until they finish
// or time out; async tasks return once launched. Panics are converted into a
// failure message in the thread.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev chat.Event) {
	if o == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			o.logger.Error("event handler panicked", "thread", ev.ThreadKey(), "panic", recovered)
			o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), failureMessage(fmt.Errorf("internal error: %v", recovered)))
		}
	}()

	if o.isClosed() || !o.firstDelivery(ev.EventID) {
		return
	}

	switch ev.Kind {
	case chat.KindMessageDeleted:
		o.CloseThread(ctx, ev.ThreadKey(), "message deleted")
		return
	case chat.KindChannelMessage:
		if !o.autoResponds(ev.ChannelID) {
			return
		}
		if o.botUserID != "" && strings.Contains(ev.Text, "<@"+o.botUserID) {
			return
		}
	case chat.KindMention, chat.KindDirectMessage:
	default:
		return
	}

	text := chat.StripMentions(ev.Text)
	if text == "" {
		o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), usageMessage)
		return
	}
	if chat.IsCloseCommand(text) {
		result := o.CloseThread(ctx, ev.ThreadKey(), "close command")
		o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), result.message())
		return
	}

	o.runTask(ctx, ev, text, Classify(text))
}

// CloseResult reports what CloseThread found.
type CloseResult struct {
	// Existed is true when the thread had a registry entry or history.
	Existed bool
	// Stopped is true when a running process was terminated.
	Stopped bool
}

func (r CloseResult) message() string {
	switch {
	case r.Stopped:
		return stoppedMessage
	case r.Existed:
		return closedMessage
	default:
		return nothingMessage
	}
}

// CloseThread stops any running task in the thread and forgets its session id
// and conversation history. Closing a thread with nothing tracked is a no-op.
func (o *Orchestrator) CloseThread(ctx context.Context, threadID, reason string) CloseResult {
	var result CloseResult
	if entry, ok := o.registry.Get(threadID); ok && o.registry.RemoveIf(threadID, entry) {
		result.Existed = true
		result.Stopped = o.stop(ctx, entry)
	}
	if o.contexts.Forget(threadID) {
		result.Existed = true
	}
	o.logger.Info("session closed", "thread", threadID, "reason", reason, "existed", result.Existed, "stopped", result.Stopped)
	o.bus.Publish(events.Event{
		Type:       events.EventTypeSessionClosed,
		Timestamp:  o.now().UTC(),
		EntityType: "thread",
		EntityID:   threadID,
		Severity:   events.SeverityInfo,
		Payload:    SessionClosedPayload{ThreadID: threadID, Reason: reason, Stopped: result.Stopped},
	})
	return result
}

// OnReap is the sweeper hook: the entry and process are already gone, so only
// the conversation history remains to drop.
func (o *Orchestrator) OnReap(threadID string) {
	if o == nil {
		return
	}
	o.contexts.Forget(threadID)
}

// Shutdown stops every running process and waits for task goroutines to
// finish, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o == nil {
		return errors.New("orchestrator is nil")
	}
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, entry := range o.registry.Entries() {
		if entry.Process() == nil {
			continue
		}
		wg.Add(1)
		go func(entry *session.ThreadSession) {
			defer wg.Done()
			o.stop(ctx, entry)
		}(entry)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()
	defer o.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for tasks: %w", ctx.Err())
	}
}

func (o *Orchestrator) stop(ctx context.Context, entry *session.ThreadSession) bool {
	proc, ok := entry.Process().(reaper.Process)
	if !ok || proc == nil {
		return false
	}
	result, err := o.terminator.Terminate(ctx, proc)
	if err != nil {
		o.logger.Error("terminate task failed", "thread", entry.ThreadID(), "pid", proc.PID(), "err", err)
		return false
	}
	return !result.AlreadyExited
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// firstDelivery drops redelivered events; the set is bounded FIFO.
func (o *Orchestrator) firstDelivery(eventID string) bool {
	if eventID == "" {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.seen[eventID]; dup {
		return false
	}
	o.seen[eventID] = struct{}{}
	o.seenOrder = append(o.seenOrder, eventID)
	if len(o.seenOrder) > seenEventLimit {
		delete(o.seen, o.seenOrder[0])
		o.seenOrder = o.seenOrder[1:]
	}
	return true
}

func (o *Orchestrator) publishTask(eventType, severity string, payload TaskPayload) {
	o.bus.Publish(events.Event{
		Type:       eventType,
		Timestamp:  o.now().UTC(),
		EntityType: state.EntityTask,
		EntityID:   payload.TaskID,
		Severity:   severity,
		Payload:    payload,
	})
}
