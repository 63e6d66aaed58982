// Package telemetry wires OpenTelemetry tracing for the bridge: provider
// setup, agent.call spans and secret redaction for span and log text.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ServiceName        = "threadbridge"
	DefaultEnvironment = "dev"
	// DefaultEndpoint is used when neither config nor OTEL_EXPORTER_OTLP_ENDPOINT set one.
	DefaultEndpoint = "http://localhost:4318"
	BatchTimeout    = 5 * time.Second
	BatchSize       = 512
)

// Resource attribute keys describing how this bridge instance runs.
const (
	AttrSlackMode  = "threadbridge.slack.mode"
	AttrAgentModel = "threadbridge.agent.model"
	AttrWorkDir    = "threadbridge.workdir"
)

// Options describes the running bridge. Everything except Endpoint and
// Console becomes a resource attribute on every exported span.
type Options struct {
	// Endpoint comes from config; OTEL_EXPORTER_OTLP_ENDPOINT overrides it.
	Endpoint    string
	Version     string
	Environment string
	// InstanceID distinguishes bridge processes, normally the run id.
	InstanceID string
	SlackMode  string
	Model      string
	WorkDir    string
	// Console receives spans when no OTLP exporter can be built.
	Console io.Writer
}

// newExporter builds the OTLP exporter. otlptracehttp reads the remaining
// OTEL_EXPORTER_OTLP_* variables (headers, certificate) itself.
var newExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Init installs the global tracer provider and returns its shutdown func.
// When the exporter cannot be built spans go to opts.Console instead.
func Init(ctx context.Context, opts Options) (func(), error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	endpoint := resolveEndpoint(opts.Endpoint)
	exporter, err := newExporter(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(console, "warning: OTLP exporter unavailable for %s (%v); printing spans to the console\n", endpoint, err)
		exporter = &consoleExporter{out: console}
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(bridgeAttributes(opts)...),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func bridgeAttributes(opts Options) []attribute.KeyValue {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("deployment.environment", resolveEnvironment(opts.Environment)),
	}
	optional := []struct{ key, value string }{
		{"service.instance.id", opts.InstanceID},
		{AttrSlackMode, opts.SlackMode},
		{AttrAgentModel, opts.Model},
		{AttrWorkDir, absPath(opts.WorkDir)},
	}
	for _, attr := range optional {
		if value := strings.TrimSpace(attr.value); value != "" {
			attrs = append(attrs, attribute.String(attr.key, value))
		}
	}
	return attrs
}

func absPath(dir string) string {
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func resolveEnvironment(configured string) string {
	if value := strings.TrimSpace(configured); value != "" {
		return strings.ToLower(value)
	}
	for _, key := range []string{"THREADBRIDGE_ENV", "ENVIRONMENT"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

// consoleExporter prints one line per span, tagged with the thread it
// belongs to when the span carries one.
type consoleExporter struct {
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		line := fmt.Sprintf("span %s %s status=%s", span.Name(),
			span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		for _, attr := range span.Attributes() {
			if attr.Key == "thread_id" {
				line += " thread=" + attr.Value.Emit()
			}
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  event %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error { return nil }
