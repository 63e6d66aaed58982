package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/threadbridge/internal/chat"
	"github.com/ship-commander/threadbridge/internal/events"
	"github.com/ship-commander/threadbridge/internal/harness"
	"github.com/ship-commander/threadbridge/internal/mrkdwn"
	"github.com/ship-commander/threadbridge/internal/output"
	"github.com/ship-commander/threadbridge/internal/session"
	"github.com/ship-commander/threadbridge/internal/state"
	"github.com/ship-commander/threadbridge/internal/streamjson"
	"github.com/ship-commander/threadbridge/internal/telemetry"
)

const readBufferSize = 4096

type streamID int

const (
	streamStdout streamID = iota
	streamStderr
)

type streamChunk struct {
	stream streamID
	data   []byte
	eof    bool
}

// result is what the task goroutine learned by the time the process exited.
type result struct {
	outcome  state.Outcome
	response string
	exitCode int
	elapsed  time.Duration
	stats    output.Stats
	err      error
}

// run is one task invocation. All fields below proc are owned by the task
// goroutine; timedOut is the only one written from outside.
type run struct {
	o        *Orchestrator
	event    chat.Event
	message  string
	kind     session.Kind
	threadID string
	entry    *session.ThreadSession
	task     *state.Task
	call     *telemetry.AgentCall
	logger   *log.Logger
	proc     harness.Process
	started  time.Time

	timedOut atomic.Bool

	sched       *output.Scheduler
	parsers     [2]*streamjson.Parser
	collected   strings.Builder
	finalResult string
	resultError bool
	sawInit     bool
}

func (o *Orchestrator) runTask(ctx context.Context, ev chat.Event, text string, kind session.Kind) {
	threadID := ev.ThreadKey()
	entry := o.registry.GetOrCreate(threadID)
	taskID := o.newTaskID()
	if err := entry.Claim(taskID, kind); err != nil {
		if errors.Is(err, session.ErrTaskRunning) {
			o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), busyMessage)
			return
		}
		o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), failureMessage(err))
		return
	}

	logger := o.logger.With("thread", threadID, "task_id", taskID, "kind", kind)
	task := state.NewTask(taskID, threadID, state.WithBus(o.bus), state.WithClock(o.now))
	if err := task.Transition(ctx, state.PhaseLaunching, "message received"); err != nil {
		logger.Error("task transition failed", "err", err)
	}

	// The agent's own session resume carries the conversation, so the prompt
	// is the message as sent.
	resumeID := entry.ResumableSessionID()
	prompt := text

	reaction := reactionWorking
	if kind == session.KindAsync {
		reaction = reactionQueued
	}
	o.messenger.React(ctx, ev.ChannelID, ev.MessageTS, reaction)
	if kind == session.KindAsync {
		o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), ackMessage(text))
	}

	callCtx, call := telemetry.StartAgentCall(o.ctx, telemetry.AgentCallRequest{
		ThreadID: threadID,
		Model:    o.model,
		Prompt:   prompt,
		Resumed:  resumeID != "",
		Async:    kind == session.KindAsync,
	})
	proc, err := o.launcher.Launch(callCtx, harness.LaunchRequest{
		Prompt:          prompt,
		ResumeSessionID: resumeID,
		Model:           o.model,
	})
	if err != nil {
		logger.Error("launch agent failed", "err", err)
		_ = task.Finish(ctx, state.OutcomeFailure, "spawn failed")
		call.End(string(state.OutcomeFailure), "", -1, err)
		o.registry.RemoveIf(threadID, entry)
		o.messenger.Unreact(ctx, ev.ChannelID, ev.MessageTS, reaction)
		o.messenger.React(ctx, ev.ChannelID, ev.MessageTS, reactionFailed)
		o.messenger.PostAsync(ctx, ev.ChannelID, ev.ReplyTS(), "Failed to start task: "+telemetry.RedactSecrets(err.Error()))
		o.publishTask(events.EventTypeTaskFailed, events.SeverityError, TaskPayload{
			ThreadID: threadID, TaskID: taskID, Kind: kind, Outcome: state.OutcomeFailure, ExitCode: -1, Error: err.Error(),
		})
		return
	}

	entry.Attach(proc)
	if err := task.Transition(ctx, state.PhaseRunning, "process started"); err != nil {
		logger.Error("task transition failed", "err", err)
	}
	logger = logger.With("pid", proc.PID())
	logger.Info("agent launched", "resumed", resumeID != "")
	o.publishTask(events.EventTypeTaskLaunched, events.SeverityInfo, TaskPayload{
		ThreadID: threadID, TaskID: taskID, Kind: kind, PID: proc.PID(),
	})

	r := &run{
		o:        o,
		event:    ev,
		message:  text,
		kind:     kind,
		threadID: threadID,
		entry:    entry,
		task:     task,
		call:     call,
		logger:   logger,
		proc:     proc,
		started:  o.now(),
		parsers:  [2]*streamjson.Parser{{}, {}},
	}

	done := make(chan struct{})
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		defer close(done)
		r.loop()
	}()
	if kind == session.KindAsync {
		return
	}

	timer := time.NewTimer(o.syncTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.timedOut.Store(true)
		logger.Warn("sync task timed out", "timeout", o.syncTimeout)
		o.stop(o.ctx, entry)
		<-done
	case <-ctx.Done():
		o.stop(o.ctx, entry)
		<-done
	}
}

func (r *run) loop() {
	var sink output.Sink = output.SinkFunc(func(output.Chunk) {})
	if r.kind == session.KindAsync {
		sink = output.SinkFunc(r.postChunk)
	}
	r.sched = output.NewScheduler(sink, r.o.outputOpts)

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("task goroutine panicked", "panic", recovered)
			r.finish(fmt.Errorf("internal error: %v", recovered))
		}
	}()

	// Closed on every exit path, including a panic, so readers blocked on a
	// send return instead of leaking.
	stop := make(chan struct{})
	defer close(stop)
	chunks := make(chan streamChunk)
	go readStream(r.proc.Stdout(), streamStdout, chunks, stop)
	go readStream(r.proc.Stderr(), streamStderr, chunks, stop)

	ticker := time.NewTicker(r.sched.FlushInterval())
	defer ticker.Stop()

	open := 2
	for open > 0 {
		select {
		case chunk := <-chunks:
			parser := r.parsers[chunk.stream]
			if chunk.eof {
				open--
				r.handle(parser.Flush())
				continue
			}
			r.entry.Touch()
			r.handle(parser.Feed(chunk.data))
		case <-ticker.C:
			if r.kind == session.KindAsync {
				r.sched.Tick()
			}
		}
	}
	<-r.proc.Done()
	r.finish(nil)
}

func readStream(reader io.Reader, stream streamID, out chan<- streamChunk, stop <-chan struct{}) {
	send := func(chunk streamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-stop:
			return false
		}
	}
	if reader == nil {
		send(streamChunk{stream: stream, eof: true})
		return
	}
	buf := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !send(streamChunk{stream: stream, data: data}) {
				return
			}
		}
		if err != nil {
			send(streamChunk{stream: stream, eof: true})
			return
		}
	}
}

func (r *run) handle(evs []streamjson.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case streamjson.KindSessionInit:
			if r.sawInit {
				continue
			}
			r.sawInit = true
			r.entry.SetResumableSessionID(ev.SessionID, false)
			r.call.RecordSession(ev.SessionID)
		case streamjson.KindAssistantText, streamjson.KindRawText:
			if r.collected.Len() > 0 {
				r.collected.WriteString("\n")
			}
			r.collected.WriteString(ev.Text)
			r.sched.Append(ev.Text)
		case streamjson.KindToolInvocation:
			r.call.RecordToolUse(ev.ToolName)
			if r.kind == session.KindAsync {
				r.sched.Flush()
				r.post(toolMessage(ev))
			}
		case streamjson.KindToolResult:
			r.sched.Append(ev.Text)
		case streamjson.KindFinalResult:
			r.finalResult = ev.Text
			r.resultError = ev.IsError
			if !r.sawInit && ev.SessionID != "" {
				r.entry.SetResumableSessionID(ev.SessionID, true)
				r.call.RecordSession(ev.SessionID)
			}
		}
	}
}

func (r *run) finish(panicErr error) {
	ctx := r.o.ctx
	if err := r.task.Transition(ctx, state.PhaseDraining, "process exited"); err != nil {
		r.logger.Error("task transition failed", "err", err)
	}
	r.sched.Flush()

	res := result{
		response: strings.TrimSpace(r.collected.String()),
		exitCode: r.proc.ExitCode(),
		elapsed:  r.o.now().Sub(r.started),
		stats:    r.sched.Stats(),
		err:      panicErr,
	}
	if res.response == "" {
		res.response = strings.TrimSpace(r.finalResult)
	}
	if res.err == nil {
		res.err = r.proc.Err()
	}

	current, present := r.o.registry.Get(r.threadID)
	cancelled := !present || current != r.entry

	switch {
	case cancelled:
		res.outcome = state.OutcomeCancelled
	case r.timedOut.Load():
		res.outcome = state.OutcomeTimeout
	case res.err != nil || res.exitCode != 0 || r.resultError:
		res.outcome = state.OutcomeFailure
		if res.err == nil {
			res.err = fmt.Errorf("agent exited with code %d", res.exitCode)
		}
	default:
		res.outcome = state.OutcomeSuccess
	}

	r.reply(res)
	if !cancelled && res.response != "" {
		r.o.contexts.Add(r.threadID, r.message, res.response)
	}
	if err := r.task.Finish(ctx, res.outcome, ""); err != nil {
		r.logger.Error("task transition failed", "err", err)
	}
	r.entry.Release()

	var callErr error
	if res.outcome == state.OutcomeFailure {
		callErr = res.err
	}
	r.call.End(string(res.outcome), res.response, res.exitCode, callErr)

	payload := TaskPayload{
		ThreadID: r.threadID,
		TaskID:   r.task.ID(),
		Kind:     r.kind,
		PID:      r.proc.PID(),
		Outcome:  res.outcome,
		ExitCode: res.exitCode,
		Elapsed:  res.elapsed,
		Chunks:   res.stats.Chunks,
		Chars:    res.stats.Chars,
	}
	if res.outcome == state.OutcomeFailure {
		payload.Error = res.err.Error()
		r.o.publishTask(events.EventTypeTaskFailed, events.SeverityError, payload)
	} else {
		r.o.publishTask(events.EventTypeTaskCompleted, events.SeverityInfo, payload)
	}
	r.logger.Info("task finished", "outcome", res.outcome, "exit_code", res.exitCode,
		"elapsed", res.elapsed.Round(time.Millisecond), "chunks", res.stats.Chunks)
}

// reply posts the closing messages for the task and swaps the reaction.
func (r *run) reply(res result) {
	ctx := r.o.ctx
	channel, ts := r.event.ChannelID, r.event.MessageTS

	started := reactionWorking
	if r.kind == session.KindAsync {
		started = reactionQueued
	}
	r.o.messenger.Unreact(ctx, channel, ts, started)

	if res.outcome == state.OutcomeCancelled {
		return
	}
	if res.outcome == state.OutcomeFailure {
		r.o.messenger.React(ctx, channel, ts, reactionFailed)
	} else if r.kind == session.KindAsync {
		r.o.messenger.React(ctx, channel, ts, reactionDone)
	}

	if r.kind == session.KindAsync {
		if res.outcome == state.OutcomeFailure && res.stats.Chunks == 0 && res.response == "" {
			r.post(failureMessage(res.err))
		}
		r.post(summaryMessage(res))
		return
	}

	switch res.outcome {
	case state.OutcomeTimeout:
		partial := mrkdwn.Convert(res.response)
		if partial == "" {
			partial = emptyResponse
		}
		r.post(fmt.Sprintf("%s\n\n_(stopped after %s; partial result)_", partial, output.FormatElapsed(r.o.syncTimeout)))
	case state.OutcomeFailure:
		message := failureMessage(res.err)
		if res.response != "" {
			message += "\n" + mrkdwn.Convert(res.response)
		}
		r.post(message)
	default:
		response := mrkdwn.Convert(res.response)
		if response == "" {
			response = emptyResponse
		}
		r.post(response)
	}
}

func (r *run) postChunk(c output.Chunk) {
	r.post(chunkMessage(c))
}

func (r *run) post(text string) {
	r.o.messenger.PostAsync(r.o.ctx, r.event.ChannelID, r.event.ReplyTS(), text)
}
