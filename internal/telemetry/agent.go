package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	slackTokenPattern      = regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{6,}\b`)
	appTokenPattern        = regexp.MustCompile(`\bxapp-[A-Za-z0-9-]{6,}\b`)
)

// AgentCallRequest describes one agent subprocess run for tracing.
type AgentCallRequest struct {
	ThreadID string
	Model    string
	Prompt   string
	Resumed  bool
	Async    bool
}

// AgentCall tracks one agent.call span.
type AgentCall struct {
	span      trace.Span
	startedAt time.Time

	mu        sync.Mutex
	toolCalls int
	ended     bool
}

type agentCallContextKey struct{}

// StartAgentCall starts an agent.call span and returns a context carrying the tracker.
func StartAgentCall(ctx context.Context, req AgentCallRequest) (context.Context, *AgentCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("thread_id", normalizeOrUnknown(req.ThreadID)),
		attribute.String("model_name", normalizeOrUnknown(req.Model)),
		attribute.Int("prompt_tokens", EstimateTokenCount(req.Prompt)),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
		attribute.Bool("resumed", req.Resumed),
		attribute.Bool("async", req.Async),
	}

	spanCtx, span := otel.Tracer("threadbridge/telemetry/agent").Start(
		ctx,
		"agent.call",
		trace.WithAttributes(attrs...),
	)

	call := &AgentCall{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, agentCallContextKey{}, call), call
}

// AgentCallFromContext returns the tracker stored by StartAgentCall, if any.
func AgentCallFromContext(ctx context.Context) *AgentCall {
	if ctx == nil {
		return nil
	}
	call, ok := ctx.Value(agentCallContextKey{}).(*AgentCall)
	if !ok {
		return nil
	}
	return call
}

// RecordToolUse adds an agent.tool_use event for a tool invocation seen on the stream.
func (c *AgentCall) RecordToolUse(toolName string) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.toolCalls++
	c.span.AddEvent(
		"agent.tool_use",
		trace.WithAttributes(attribute.String("tool_name", normalizeOrUnknown(toolName))),
	)
}

// RecordSession tags the span with the agent session id once it is known.
func (c *AgentCall) RecordSession(sessionID string) {
	if c == nil || c.span == nil || strings.TrimSpace(sessionID) == "" {
		return
	}
	c.span.SetAttributes(attribute.String("session_id", sessionID))
}

// End finalizes the span with latency, outcome and tool counts.
func (c *AgentCall) End(outcome string, responseText string, exitCode int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	toolCalls := c.toolCalls
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	c.span.SetAttributes(
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("tool_calls_count", toolCalls),
		attribute.Int("response_tokens", EstimateTokenCount(responseText)),
		attribute.Int("exit_code", exitCode),
		attribute.String("outcome", normalizeOrUnknown(outcome)),
	)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, RedactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "agent call completed")
	}
	c.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	return (len(fields)*4 + 2) / 3
}

// RedactSecrets masks credentials in free text before it reaches logs or spans.
func RedactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = slackTokenPattern.ReplaceAllString(redacted, "<redacted>")
	redacted = appTokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(RedactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
