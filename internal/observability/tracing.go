package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"conductor/internal/config"
)

const tracerName = "conductor"

// Default exporter endpoints, used when the config leaves them empty.
const (
	DefaultOTLPEndpoint   = "localhost:4318"
	DefaultZipkinEndpoint = "http://localhost:9411/api/v2/spans"
)

// TracerProvider wraps the configured otel tracer. Both a nil provider and
// a disabled one hand out noop spans.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the tracer from config. serviceVersion goes into
// the otel resource and may be empty.
func NewTracerProvider(cfg config.TracingConfig, serviceVersion string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{
			tracer: noop.NewTracerProvider().Tracer(tracerName),
		}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1.0 {
		sampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := cfg.ZipkinEndpoint
		if endpoint == "" {
			endpoint = DefaultZipkinEndpoint
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(tracerName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)

	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}, nil
}

// Shutdown flushes buffered spans and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the underlying tracer, never nil.
func (tp *TracerProvider) Tracer() trace.Tracer {
	if tp == nil || tp.tracer == nil {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tp.tracer
}

// StartSpan opens a span with the given attributes.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tp.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanToolExecute   = "conductor.tool.execute"
	SpanProcessSpawn  = "conductor.process.spawn"
	SpanProcessStop   = "conductor.process.stop"
	SpanEmbed         = "conductor.embedding.embed"
	SpanFragmentWrite = "conductor.fragment.write"
	SpanHTTPRequest   = "conductor.http.request"
)

// Common attribute keys
const (
	AttrToolName   = "conductor.tool_name"
	AttrProcessID  = "conductor.process_id"
	AttrFragmentID = "conductor.fragment_id"
	AttrStatus     = "conductor.status"
	AttrError      = "conductor.error"
)

// ToolAttrs creates tool attributes
func ToolAttrs(toolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, toolName),
	}
}

// ProcessAttrs creates process attributes
func ProcessAttrs(processID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProcessID, processID),
	}
}

// FragmentAttrs creates fragment attributes
func FragmentAttrs(fragmentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFragmentID, fragmentID),
	}
}

// StatusAttrs creates status attributes
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs creates error attributes
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
