package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory provider for one test. Tests in this
// package share the global provider and counters, so none run in parallel.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
		SetEnabled(true)
	})
	return recorder
}

func violationEvents(recorder *tracetest.SpanRecorder, span string) []sdktrace.Event {
	var out []sdktrace.Event
	for _, ended := range recorder.Ended() {
		if ended.Name() != span {
			continue
		}
		for _, event := range ended.Events() {
			if event.Name == eventName {
				out = append(out, event)
			}
		}
	}
	return out
}

func attr(event sdktrace.Event, key string) string {
	for _, kv := range event.Attributes {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestSecondProcessOnThreadIsRecordedOnActiveSpan(t *testing.T) {
	recorder := recordSpans(t)
	before := Counts()[RuleSingleProcess]

	ctx, span := otel.Tracer("test").Start(context.Background(), "task.launch")
	assert.False(t, SingleProcess(ctx, "session.attach", "C1:171.1", 4242, 101))
	span.End()

	events := violationEvents(recorder, "task.launch")
	require.Len(t, events, 1)
	assert.Equal(t, RuleSingleProcess, attr(events[0], "rule"))
	assert.Equal(t, "error", attr(events[0], "severity"))
	assert.Equal(t, "session.attach", attr(events[0], "where"))
	assert.Equal(t, "C1:171.1", attr(events[0], "thread_id"))
	assert.Equal(t, "101,4242", attr(events[0], "pids"))
	assert.Equal(t, before+1, Counts()[RuleSingleProcess])
}

func TestViolationWithoutSpanGetsItsOwn(t *testing.T) {
	recorder := recordSpans(t)

	assert.False(t, LegalTransition(context.Background(), "state.task.transition", "task-7", "idle", "draining", false))

	events := violationEvents(recorder, eventName)
	require.Len(t, events, 1)
	assert.Equal(t, RuleLegalTransition, attr(events[0], "rule"))
	assert.Equal(t, "task-7", attr(events[0], "task_id"))
	assert.Equal(t, "idle", attr(events[0], "from_phase"))
	assert.Equal(t, "draining", attr(events[0], "to_phase"))
}

func TestOverlongHistoryIsAWarning(t *testing.T) {
	recorder := recordSpans(t)

	assert.False(t, BoundedHistory(context.Background(), "contextstore.add", "C1:9.0", 11, 10))

	events := violationEvents(recorder, eventName)
	require.Len(t, events, 1)
	assert.Equal(t, "warn", attr(events[0], "severity"))
	assert.Equal(t, "11 exchanges stored, cap is 10", attr(events[0], "detail"))
}

func TestHeldRulesRecordNothing(t *testing.T) {
	recorder := recordSpans(t)
	before := Counts()

	ctx, span := otel.Tracer("test").Start(context.Background(), "task.run")
	assert.True(t, SingleProcess(ctx, "session.attach", "C1:1.0", 101))
	assert.True(t, SingleProcess(ctx, "session.attach", "C1:1.0"))
	assert.True(t, LegalTransition(ctx, "state.task.transition", "task-1", "idle", "launching", true))
	assert.True(t, BoundedHistory(ctx, "contextstore.add", "C1:1.0", 10, 10))
	assert.True(t, BoundedHistory(ctx, "contextstore.add", "C1:1.0", 50, 0))
	span.End()

	assert.Empty(t, violationEvents(recorder, "task.run"))
	assert.Equal(t, before, Counts())
}

func TestDisabledRecordingIsSilent(t *testing.T) {
	recorder := recordSpans(t)
	SetEnabled(false)
	before := Counts()[RuleSingleProcess]

	ctx, span := otel.Tracer("test").Start(context.Background(), "task.launch")
	assert.False(t, SingleProcess(ctx, "session.attach", "C1:2.0", 1, 2))
	span.End()

	assert.False(t, Enabled())
	assert.Empty(t, violationEvents(recorder, "task.launch"))
	assert.Equal(t, before, Counts()[RuleSingleProcess])
}

func TestRecordNormalizesRuleAndSeverity(t *testing.T) {
	recorder := recordSpans(t)

	Record(context.Background(), Violation{Severity: "loud", Where: "test"})

	events := violationEvents(recorder, eventName)
	require.Len(t, events, 1)
	assert.Equal(t, "unknown", attr(events[0], "rule"))
	assert.Equal(t, "error", attr(events[0], "severity"))
	assert.Positive(t, Counts()["unknown"])
}
