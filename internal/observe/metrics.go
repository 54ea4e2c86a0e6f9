// Package observe provides application-wide observability primitives for
// the transcription service: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/MeBadDev/online-amt"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkDuration tracks the time spent transcribing one audio chunk.
	ChunkDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts audio chunks accepted by transcription sessions.
	Chunks metric.Int64Counter

	// Steps counts inference steps. Use with attribute:
	//   attribute.Bool("suppressed", ...)
	Steps metric.Int64Counter

	// NoteEvents counts emitted note events. Use with attribute:
	//   attribute.String("kind", "onset"|"offset")
	NoteEvents metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// RejectedChunks counts chunks refused by a session. Use with attribute:
	//   attribute.String("reason", ...)
	RejectedChunks metric.Int64Counter

	// StoreErrors counts failed note store operations. Use with attributes:
	//   attribute.String("driver", ...), attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-chunk inference latencies. A hop of 512 samples at 16 kHz lasts 32 ms.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.016, 0.032, 0.064, 0.125, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("online_amt.chunk.duration",
		metric.WithDescription("Latency of transcribing one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("online_amt.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Chunks, err = m.Int64Counter("online_amt.chunks",
		metric.WithDescription("Total audio chunks processed."),
	); err != nil {
		return nil, err
	}
	if met.Steps, err = m.Int64Counter("online_amt.steps",
		metric.WithDescription("Total inference steps by suppression state."),
	); err != nil {
		return nil, err
	}
	if met.NoteEvents, err = m.Int64Counter("online_amt.note_events",
		metric.WithDescription("Total note events by kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("online_amt.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RejectedChunks, err = m.Int64Counter("online_amt.chunks.rejected",
		metric.WithDescription("Total audio chunks rejected by reason."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("online_amt.store.errors",
		metric.WithDescription("Total note store errors by driver and operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("online_amt.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("online_amt.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSteps records the inference steps of one chunk, split by whether the
// activity gate suppressed them.
func (m *Metrics) RecordSteps(ctx context.Context, steps, suppressed int) {
	if active := steps - suppressed; active > 0 {
		m.Steps.Add(ctx, int64(active), metric.WithAttributes(attribute.Bool("suppressed", false)))
	}
	if suppressed > 0 {
		m.Steps.Add(ctx, int64(suppressed), metric.WithAttributes(attribute.Bool("suppressed", true)))
	}
}

// RecordNoteEvents records onset and offset counts.
func (m *Metrics) RecordNoteEvents(ctx context.Context, onsets, offsets int) {
	if onsets > 0 {
		m.NoteEvents.Add(ctx, int64(onsets), metric.WithAttributes(attribute.String("kind", "onset")))
	}
	if offsets > 0 {
		m.NoteEvents.Add(ctx, int64(offsets), metric.WithAttributes(attribute.String("kind", "offset")))
	}
}

// RecordRejectedChunk records a refused chunk.
func (m *Metrics) RecordRejectedChunk(ctx context.Context, reason string) {
	m.RejectedChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordStoreError is a convenience method that records a note store error.
func (m *Metrics) RecordStoreError(ctx context.Context, driver, op string) {
	m.StoreErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("driver", driver),
			attribute.String("op", op),
		),
	)
}
