// Package invariants records broken bridge rules as span events and keeps a
// per-rule counter that the health endpoint reports.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Rules the bridge checks at runtime.
const (
	RuleSingleProcess   = "single_process_per_thread"
	RuleLegalTransition = "legal_task_transition"
	RuleBoundedHistory  = "bounded_context_history"
)

// Severity grades a violation.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

const eventName = "invariant.violation"

var (
	disabled atomic.Bool
	counts   sync.Map // rule -> *atomic.Int64
)

// SetEnabled turns recording on or off process-wide.
func SetEnabled(enabled bool) { disabled.Store(!enabled) }

// Enabled reports whether violations are recorded.
func Enabled() bool { return !disabled.Load() }

// Violation describes one broken rule.
type Violation struct {
	Rule     string
	Severity Severity
	// Where names the code path that noticed, e.g. "session.attach".
	Where    string
	ThreadID string
	Detail   string
	Attrs    []attribute.KeyValue
}

// Record counts v and adds it as an event to the span in ctx. Without an
// active span a one-event span is emitted so the violation is still exported.
func Record(ctx context.Context, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rule := strings.TrimSpace(v.Rule)
	if rule == "" {
		rule = "unknown"
	}
	counter(rule).Add(1)

	severity := v.Severity
	if severity != SeverityWarn {
		severity = SeverityError
	}
	attrs := []attribute.KeyValue{
		attribute.String("rule", rule),
		attribute.String("severity", string(severity)),
		attribute.String("where", strings.TrimSpace(v.Where)),
	}
	if thread := strings.TrimSpace(v.ThreadID); thread != "" {
		attrs = append(attrs, attribute.String("thread_id", thread))
	}
	if detail := strings.TrimSpace(v.Detail); detail != "" {
		attrs = append(attrs, attribute.String("detail", detail))
	}
	attrs = append(attrs, v.Attrs...)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(eventName, trace.WithAttributes(attrs...))
		return
	}
	_, span := otel.Tracer("threadbridge/invariants").Start(ctx, eventName)
	span.AddEvent(eventName, trace.WithAttributes(attrs...))
	span.End()
}

// Counts returns violations recorded per rule since start.
func Counts() map[string]int64 {
	out := map[string]int64{}
	counts.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}

func counter(rule string) *atomic.Int64 {
	value, _ := counts.LoadOrStore(rule, new(atomic.Int64))
	return value.(*atomic.Int64)
}

// SingleProcess checks that a thread has at most one live agent process.
func SingleProcess(ctx context.Context, where, threadID string, pids ...int) bool {
	if len(pids) <= 1 {
		return true
	}
	sorted := append([]int(nil), pids...)
	sort.Ints(sorted)
	list := make([]string, len(sorted))
	for i, pid := range sorted {
		list[i] = strconv.Itoa(pid)
	}
	Record(ctx, Violation{
		Rule:     RuleSingleProcess,
		Severity: SeverityError,
		Where:    where,
		ThreadID: threadID,
		Detail:   fmt.Sprintf("%d live agent processes", len(pids)),
		Attrs:    []attribute.KeyValue{attribute.String("pids", strings.Join(list, ","))},
	})
	return false
}

// LegalTransition records an illegal task phase change. legal is the result
// of the state machine's own check.
func LegalTransition(ctx context.Context, where, taskID, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Record(ctx, Violation{
		Rule:     RuleLegalTransition,
		Severity: SeverityError,
		Where:    where,
		Detail:   fmt.Sprintf("task %s cannot go from %s to %s", taskID, from, to),
		Attrs: []attribute.KeyValue{
			attribute.String("task_id", taskID),
			attribute.String("from_phase", from),
			attribute.String("to_phase", to),
		},
	})
	return false
}

// BoundedHistory checks a thread's stored exchanges against the cap.
func BoundedHistory(ctx context.Context, where, threadID string, length, limit int) bool {
	if limit <= 0 || length <= limit {
		return true
	}
	Record(ctx, Violation{
		Rule:     RuleBoundedHistory,
		Severity: SeverityWarn,
		Where:    where,
		ThreadID: threadID,
		Detail:   fmt.Sprintf("%d exchanges stored, cap is %d", length, limit),
	})
	return false
}
