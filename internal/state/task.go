package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ship-commander/threadbridge/internal/events"
	"github.com/ship-commander/threadbridge/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase is one step of a task invocation lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLaunching Phase = "launching"
	PhaseRunning   Phase = "running"
	PhaseDraining  Phase = "draining"
	PhaseTerminal  Phase = "terminal"
)

// Outcome qualifies the terminal phase.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// EntityTask is the entity type reported on spans and events.
const EntityTask = "task"

var allowedTransitions = map[Phase]map[Phase]struct{}{
	PhaseIdle: {
		PhaseLaunching: {},
	},
	PhaseLaunching: {
		PhaseRunning:  {},
		PhaseTerminal: {},
	},
	PhaseRunning: {
		PhaseDraining: {},
	},
	PhaseDraining: {
		PhaseTerminal: {},
	},
}

// Option configures Task construction.
type Option func(*Task)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(task *Task) {
		if tracer != nil {
			task.tracer = tracer
		}
	}
}

// WithBus publishes a StateTransition event for every accepted transition.
func WithBus(bus events.Bus) Option {
	return func(task *Task) {
		if bus != nil {
			task.bus = bus
		}
	}
}

// WithClock overrides the time source used for transition records.
func WithClock(now func() time.Time) Option {
	return func(task *Task) {
		if now != nil {
			task.now = now
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	TaskID    string
	ThreadID  string
	FromPhase Phase
	ToPhase   Phase
	Outcome   Outcome
	Reason    string
	Timestamp time.Time
}

// TransitionPayload is the event bus payload for EventTypeStateTransition.
type TransitionPayload struct {
	ThreadID string
	From     Phase
	To       Phase
	Outcome  Outcome
	Reason   string
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	TaskID string
	From   Phase
	To     Phase
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for task lifecycle"
	}
	return fmt.Sprintf("cannot transition task %q from %q to %q: %s", e.TaskID, e.From, e.To, reason)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Task is the lifecycle of one subprocess invocation. It is safe for
// concurrent use; the task goroutine and a close command may race to end it.
type Task struct {
	mu       sync.Mutex
	id       string
	threadID string
	phase    Phase
	outcome  Outcome
	tracer   trace.Tracer
	bus      events.Bus
	now      func() time.Time
	history  []TransitionRecord
}

// NewTask returns a task in the idle phase.
func NewTask(id, threadID string, options ...Option) *Task {
	task := &Task{
		id:       strings.TrimSpace(id),
		threadID: strings.TrimSpace(threadID),
		phase:    PhaseIdle,
		tracer:   otel.Tracer("threadbridge/state"),
		bus:      events.Nop{},
		now:      time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(task)
	}
	return task
}

// ID returns the task invocation id.
func (t *Task) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Phase returns the current phase.
func (t *Task) Phase() Phase {
	if t == nil {
		return PhaseIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Outcome returns the terminal outcome, or OutcomeNone before termination.
func (t *Task) Outcome() Outcome {
	if t == nil {
		return OutcomeNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Terminal reports whether the task has finished.
func (t *Task) Terminal() bool {
	return t.Phase() == PhaseTerminal
}

// Transition moves the task to a non-terminal phase.
func (t *Task) Transition(ctx context.Context, to Phase, reason string) error {
	if to == PhaseTerminal {
		return errors.New("terminal transition requires an outcome; use Finish")
	}
	return t.transition(ctx, to, OutcomeNone, reason)
}

// Finish moves the task to the terminal phase with the given outcome.
func (t *Task) Finish(ctx context.Context, outcome Outcome, reason string) error {
	switch outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeTimeout, OutcomeCancelled:
	default:
		return fmt.Errorf("unknown task outcome %q", outcome)
	}
	return t.transition(ctx, PhaseTerminal, outcome, reason)
}

// History returns the accepted transitions in order.
func (t *Task) History() []TransitionRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TransitionRecord, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Task) transition(ctx context.Context, to Phase, outcome Outcome, reason string) error {
	if t == nil {
		return errors.New("task is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := t.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	t.mu.Lock()
	from := t.phase
	span.SetAttributes(
		attribute.String("entity_type", EntityTask),
		attribute.String("entity_id", t.id),
		attribute.String("thread_id", t.threadID),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
		attribute.String("outcome", string(outcome)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(from, to) {
		t.mu.Unlock()
		invariants.LegalTransition(ctx, "state.task.transition", t.id, string(from), string(to), false)
		err := &IllegalTransitionError{
			TaskID: t.id,
			From:   from,
			To:     to,
			Reason: "illegal transition for task lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		TaskID:    t.id,
		ThreadID:  t.threadID,
		FromPhase: from,
		ToPhase:   to,
		Outcome:   outcome,
		Reason:    normalizedReason,
		Timestamp: t.now().UTC(),
	}
	t.phase = to
	if to == PhaseTerminal {
		t.outcome = outcome
	}
	t.history = append(t.history, record)
	t.mu.Unlock()

	severity := events.SeverityInfo
	if outcome == OutcomeFailure || outcome == OutcomeTimeout {
		severity = events.SeverityWarn
	}
	t.bus.Publish(events.Event{
		Type:       events.EventTypeStateTransition,
		Timestamp:  record.Timestamp,
		EntityType: EntityTask,
		EntityID:   t.id,
		Severity:   severity,
		Payload: TransitionPayload{
			ThreadID: t.threadID,
			From:     from,
			To:       to,
			Outcome:  outcome,
			Reason:   normalizedReason,
		},
	})

	span.SetStatus(codes.Ok, "state transition accepted")
	return nil
}

func isAllowed(from, to Phase) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
