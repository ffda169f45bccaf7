// Package observability wires the optional metrics and tracing layers.
// Both default to off. Every recording method tolerates a nil or disabled
// receiver, so call sites never branch on whether telemetry is configured.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"conductor/internal/async"
	"conductor/internal/config"
	"conductor/internal/logging"
)

const meterName = "conductor"

// MetricsCollector owns every instrument the server records into. The zero
// value is a disabled collector whose methods do nothing.
type MetricsCollector struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	processesSpawned metric.Int64Counter
	processesExited  metric.Int64Counter

	queueDepth      metric.Int64Gauge
	queueDispatched metric.Int64Counter

	hubSessions     metric.Int64UpDownCounter
	messagesDropped metric.Int64Counter

	embedRequests  metric.Int64Counter
	embedCacheHits metric.Int64Counter

	prometheusServer *http.Server
	logger           logging.Logger
}

// NewMetricsCollector builds the collector. With metrics disabled it returns
// a no-op collector; enabled, it installs the otel Prometheus exporter as
// the global meter provider and, when prometheus_port is set, serves
// /metrics on that port.
func NewMetricsCollector(cfg config.MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	logger = logging.OrNop(logger)
	if !cfg.Enabled {
		return &MetricsCollector{logger: logger}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(meterName)

	toolExecutions, err := meter.Int64Counter(
		"conductor.tool.executions.total",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_executions counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"conductor.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_duration histogram: %w", err)
	}

	processesSpawned, err := meter.Int64Counter(
		"conductor.process.spawned.total",
		metric.WithDescription("Total number of processes spawned"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create processes_spawned counter: %w", err)
	}

	processesExited, err := meter.Int64Counter(
		"conductor.process.exited.total",
		metric.WithDescription("Total number of processes that left the running state"),
		metric.WithUnit("{process}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create processes_exited counter: %w", err)
	}

	queueDepth, err := meter.Int64Gauge(
		"conductor.queue.depth",
		metric.WithDescription("Number of queued launch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth gauge: %w", err)
	}

	queueDispatched, err := meter.Int64Counter(
		"conductor.queue.dispatched.total",
		metric.WithDescription("Total number of queued requests dispatched"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_dispatched counter: %w", err)
	}

	hubSessions, err := meter.Int64UpDownCounter(
		"conductor.hub.sessions.active",
		metric.WithDescription("Number of connected WebSocket sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create hub_sessions gauge: %w", err)
	}

	messagesDropped, err := meter.Int64Counter(
		"conductor.hub.messages.dropped.total",
		metric.WithDescription("Messages dropped because a session buffer was full"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages_dropped counter: %w", err)
	}

	embedRequests, err := meter.Int64Counter(
		"conductor.embedding.requests.total",
		metric.WithDescription("Total number of embedding requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embed_requests counter: %w", err)
	}

	embedCacheHits, err := meter.Int64Counter(
		"conductor.embedding.cache.hits.total",
		metric.WithDescription("Embedding requests served from the in-memory cache"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create embed_cache_hits counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:            meter,
		provider:         provider,
		toolExecutions:   toolExecutions,
		toolDuration:     toolDuration,
		processesSpawned: processesSpawned,
		processesExited:  processesExited,
		queueDepth:       queueDepth,
		queueDispatched:  queueDispatched,
		hubSessions:      hubSessions,
		messagesDropped:  messagesDropped,
		embedRequests:    embedRequests,
		embedCacheHits:   embedCacheHits,
		logger:           logger,
	}

	if cfg.PrometheusPort > 0 {
		collector.startPrometheusServer(cfg.PrometheusPort)
	}

	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	server := m.prometheusServer
	logger := m.logger
	async.Go(logger, "prometheus-server", func() {
		logger.Info("prometheus metrics listening on :%d", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("prometheus server: %v", err)
		}
	})
}

// Shutdown stops the scrape endpoint and flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.prometheusServer != nil {
		if err := m.prometheusServer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// RecordToolExecution records one tool call and its duration.
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}
	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordProcessSpawned records one successful spawn.
func (m *MetricsCollector) RecordProcessSpawned(ctx context.Context) {
	if m == nil || m.processesSpawned == nil {
		return
	}
	m.processesSpawned.Add(ctx, 1)
}

// RecordProcessExited records a process reaching a terminal status,
// stopped or failed.
func (m *MetricsCollector) RecordProcessExited(ctx context.Context, outcome string) {
	if m == nil || m.processesExited == nil {
		return
	}
	m.processesExited.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordQueueDepth records the current number of queued requests.
func (m *MetricsCollector) RecordQueueDepth(ctx context.Context, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(depth))
}

// RecordQueueDispatched records one queued request handed to the supervisor.
func (m *MetricsCollector) RecordQueueDispatched(ctx context.Context) {
	if m == nil || m.queueDispatched == nil {
		return
	}
	m.queueDispatched.Add(ctx, 1)
}

// IncrementHubSessions records a WebSocket session attaching.
func (m *MetricsCollector) IncrementHubSessions(ctx context.Context) {
	if m == nil || m.hubSessions == nil {
		return
	}
	m.hubSessions.Add(ctx, 1)
}

// DecrementHubSessions records a WebSocket session detaching.
func (m *MetricsCollector) DecrementHubSessions(ctx context.Context) {
	if m == nil || m.hubSessions == nil {
		return
	}
	m.hubSessions.Add(ctx, -1)
}

// RecordMessageDropped records an outbound message discarded because the
// session buffer was full.
func (m *MetricsCollector) RecordMessageDropped(ctx context.Context) {
	if m == nil || m.messagesDropped == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
}

// RecordEmbedding records one embedding request against the backend.
func (m *MetricsCollector) RecordEmbedding(ctx context.Context, status string) {
	if m == nil || m.embedRequests == nil {
		return
	}
	m.embedRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEmbeddingCacheHit records an embedding served from the cache.
func (m *MetricsCollector) RecordEmbeddingCacheHit(ctx context.Context) {
	if m == nil || m.embedCacheHits == nil {
		return
	}
	m.embedCacheHits.Add(ctx, 1)
}
