// Package observe provides application-wide observability primitives for
// the coachflow broker: OpenTelemetry metrics, structured logging helpers,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all broker metrics.
const meterName = "github.com/coachflow/coachflow"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FunctionCallDuration tracks function-call handler latency.
	FunctionCallDuration metric.Float64Histogram

	// UpstreamConnectDuration tracks time to establish an upstream channel.
	UpstreamConnectDuration metric.Float64Histogram

	// --- Counters ---

	// FramesRouted counts audio frames forwarded upstream. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("participant", ...)
	FramesRouted metric.Int64Counter

	// FramesDropped counts audio frames discarded under backpressure or mute.
	// Use with attributes:
	//   attribute.String("channel", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// UpstreamReconnects counts reconnection attempts per upstream channel.
	UpstreamReconnects metric.Int64Counter

	// KeepAlives counts keep-alive messages sent on the voice-agent channel.
	KeepAlives metric.Int64Counter

	// TranscriptEntries counts finalized transcript entries by source.
	TranscriptEntries metric.Int64Counter

	// FunctionCalls counts function invocations by name and status.
	FunctionCalls metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream channel errors by channel and kind.
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRooms tracks the number of rooms with at least one participant.
	ActiveRooms metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected participants across
	// all rooms.
	ActiveParticipants metric.Int64UpDownCounter

	// ActiveOrchestrators tracks the number of live AI pipelines.
	ActiveOrchestrators metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime-pipeline latencies.
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
	if met.FunctionCallDuration, err = m.Float64Histogram("coachflow.function_call.duration",
		metric.WithDescription("Latency of function-call handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnectDuration, err = m.Float64Histogram("coachflow.upstream.connect.duration",
		metric.WithDescription("Time to establish an upstream channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesRouted, err = m.Int64Counter("coachflow.frames.routed",
		metric.WithDescription("Total audio frames forwarded upstream by channel and participant."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("coachflow.frames.dropped",
		metric.WithDescription("Total audio frames discarded by channel and reason."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamReconnects, err = m.Int64Counter("coachflow.upstream.reconnects",
		metric.WithDescription("Total upstream reconnection attempts by channel."),
	); err != nil {
		return nil, err
	}
	if met.KeepAlives, err = m.Int64Counter("coachflow.keepalives",
		metric.WithDescription("Total keep-alive messages sent on the voice-agent channel."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("coachflow.transcript.entries",
		metric.WithDescription("Total finalized transcript entries by source."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("coachflow.function.calls",
		metric.WithDescription("Total function invocations by name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("coachflow.upstream.errors",
		metric.WithDescription("Total upstream channel errors by channel and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRooms, err = m.Int64UpDownCounter("coachflow.active_rooms",
		metric.WithDescription("Number of rooms with at least one participant."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("coachflow.active_participants",
		metric.WithDescription("Number of connected participants across all rooms."),
	); err != nil {
		return nil, err
	}
	if met.ActiveOrchestrators, err = m.Int64UpDownCounter("coachflow.active_orchestrators",
		metric.WithDescription("Number of live AI pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("coachflow.http.request.duration",
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

// RecordFrameRouted records a routed frame with the standard attribute set.
func (m *Metrics) RecordFrameRouted(ctx context.Context, channel, participant string) {
	m.FramesRouted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("participant", participant),
		),
	)
}

// RecordFrameDropped records a discarded frame with the standard attribute set.
func (m *Metrics) RecordFrameDropped(ctx context.Context, channel, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		),
	)
}

// RecordFunctionCall records a function invocation with name and status.
func (m *Metrics) RecordFunctionCall(ctx context.Context, name, status string) {
	m.FunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", name),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError records an upstream channel error increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, channel, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("kind", kind),
		),
	)
}
