package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span and attribute names, grounded on the teacher's
// pkg/observability/constants.go (SpanAgentCall, AttrAgentName, ...),
// renamed to this runtime's domains.
const (
	AttrAgentName  = "koi.agent.name"
	AttrIntent     = "koi.action.intent"
	AttrResolution = "koi.action.resolution"
	AttrMCPServer  = "koi.mcp.server"
	AttrMCPTool    = "koi.mcp.tool"
	AttrErrorType  = "error.type"

	SpanLoopIteration = "loop.iteration"
	SpanAction        = "action.execute"
	SpanMemoryTick    = "memory.tick"
	SpanMCPCall       = "mcp.call"
)

// TracingConfig configures OpenTelemetry span export, grounded on the
// teacher's v2/observability.TracingConfig (exporter selection between
// "otlp" and "stdout").
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	Exporter     string  `yaml:"exporter,omitempty"` // "otlp" or "stdout"
	Endpoint     string  `yaml:"endpoint,omitempty"` // OTLP gRPC collector, e.g. "localhost:4317"
	ServiceName  string  `yaml:"service_name,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

// SetDefaults fills in TracingConfig zero values.
func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.ServiceName == "" {
		c.ServiceName = "koi"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// Tracer wraps an OpenTelemetry tracer with koi-specific span helpers. A
// nil *Tracer (tracing disabled) makes every Start* method hand back a
// no-op span, the same nil-safety Metrics gives its Record* methods.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds the tracer provider from cfg, or returns (nil, nil)
// when tracing is disabled.
func NewTracer(ctx context.Context, cfg TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	exporter, err := createSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func createSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
}

// Start begins a span named name, or a no-op span when tracing is
// disabled.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, noopSpan()
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartLoopIteration begins a span covering one reactive-loop iteration
// (spec.md §4.1), analogous to the teacher's per-agent-call span.
func (t *Tracer) StartLoopIteration(ctx context.Context, agentName string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanLoopIteration,
		attribute.String(AttrAgentName, agentName),
		attribute.Int("koi.loop.iteration", iteration),
	)
}

// StartAction begins a span covering one orchestrator dispatch (spec.md
// §4.3).
func (t *Tracer) StartAction(ctx context.Context, intent, resolution string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanAction,
		attribute.String(AttrIntent, intent),
		attribute.String(AttrResolution, resolution),
	)
}

// StartMemoryTick begins a span covering one tiered-memory promotion pass
// (spec.md §4.2).
func (t *Tracer) StartMemoryTick(ctx context.Context, agentName string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanMemoryTick, attribute.String(AttrAgentName, agentName))
}

// StartMCPCall begins a span covering one pooled MCP tool invocation
// (spec.md §4.6).
func (t *Tracer) StartMCPCall(ctx context.Context, server, tool string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanMCPCall,
		attribute.String(AttrMCPServer, server),
		attribute.String(AttrMCPTool, tool),
	)
}

// RecordError records err on span, if both are non-nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, fmt.Sprintf("%T", err)))
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// noopSpan returns a span that satisfies trace.Span but records nothing,
// for when tracing is disabled.
func noopSpan() trace.Span {
	_, span := trace.NewNoopTracerProvider().Tracer("noop").Start(context.Background(), "noop")
	return span
}
