// Package observe provides application-wide observability primitives for
// Donna: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Donna metrics.
const meterName = "github.com/donnalabs/donna"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ReasoningDuration tracks one full reasoning turn, tool calls included.
	ReasoningDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency per speak request.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end latency from caller final transcript to
	// first reply audio frame.
	TurnDuration metric.Float64Histogram

	// ToolCallDuration tracks retrieval tool execution latency.
	ToolCallDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts retrieval tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CallsCompleted counts finished calls. Use with attribute:
	//   attribute.String("outcome", ...)
	CallsCompleted metric.Int64Counter

	// BargeIns counts caller interruptions that cancelled agent speech.
	BargeIns metric.Int64Counter

	// CacheHits and CacheMisses count audio artifact cache lookups.
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls currently in flight.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ReasoningDuration, err = m.Float64Histogram("donna.reasoning.duration",
		metric.WithDescription("Latency of one reasoning turn, tool calls included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("donna.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("donna.turn.duration",
		metric.WithDescription("End-to-end latency from caller utterance to reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCallDuration, err = m.Float64Histogram("donna.tool_call.duration",
		metric.WithDescription("Latency of retrieval tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("donna.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("donna.tool.calls",
		metric.WithDescription("Total retrieval tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CallsCompleted, err = m.Int64Counter("donna.calls.completed",
		metric.WithDescription("Total finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("donna.barge_ins",
		metric.WithDescription("Total caller interruptions that cancelled agent speech."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("donna.audio_cache.hits",
		metric.WithDescription("Audio artifact cache hits."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("donna.audio_cache.misses",
		metric.WithDescription("Audio artifact cache misses."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("donna.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("donna.active_calls",
		metric.WithDescription("Number of calls currently in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("donna.http.request.duration",
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
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

// RecordCallCompleted is a convenience method that records a finished call
// with its outcome.
func (m *Metrics) RecordCallCompleted(ctx context.Context, outcome string) {
	m.CallsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReasoningDuration records the latency of one full reasoning turn.
func (m *Metrics) RecordReasoningDuration(ctx context.Context, d time.Duration) {
	m.ReasoningDuration.Record(ctx, d.Seconds())
}

// RecordTurnDuration records the end-to-end latency from a caller utterance
// to the reply being ready to speak.
func (m *Metrics) RecordTurnDuration(ctx context.Context, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds())
}

// RecordTTSDuration records synthesis latency for one speak request.
func (m *Metrics) RecordTTSDuration(ctx context.Context, d time.Duration) {
	m.TTSDuration.Record(ctx, d.Seconds())
}

// RecordToolCallDuration records retrieval tool execution latency.
func (m *Metrics) RecordToolCallDuration(ctx context.Context, tool string, d time.Duration) {
	m.ToolCallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}
