// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/trunkline-ai/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks end-of-speech to first synthesized audio, the
	// caller-perceived response latency.
	TurnDuration metric.Float64Histogram

	// BargeInDuration tracks barge-in detection to audio-queue clear.
	BargeInDuration metric.Float64Histogram

	// TTSFirstByte tracks synthesis request to first audio byte.
	TTSFirstByte metric.Float64Histogram

	// ToolDuration tracks tool execution latency.
	ToolDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts accepted call legs. Use with attribute:
	//   attribute.String("carrier", ...)
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished call legs. Use with attributes:
	//   attribute.String("carrier", ...), attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// FramesDropped counts outbound audio frames discarded on barge-in.
	FramesDropped metric.Int64Counter

	// FilteredRecognitions counts STT finals rejected by the recognition
	// gate. Use with attribute: attribute.String("reason", ...)
	FilteredRecognitions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
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
	if met.TurnDuration, err = m.Float64Histogram("trunkline.turn.duration",
		metric.WithDescription("End-of-speech to first synthesized audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInDuration, err = m.Float64Histogram("trunkline.bargein.duration",
		metric.WithDescription("Barge-in detection to audio-queue clear."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstByte, err = m.Float64Histogram("trunkline.tts.first_byte",
		metric.WithDescription("Synthesis request to first audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("trunkline.tool.duration",
		metric.WithDescription("Tool execution latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("trunkline.calls.started",
		metric.WithDescription("Accepted call legs by carrier."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("trunkline.calls.ended",
		metric.WithDescription("Finished call legs by carrier and reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("trunkline.frames.dropped",
		metric.WithDescription("Outbound audio frames discarded on barge-in."),
	); err != nil {
		return nil, err
	}
	if met.FilteredRecognitions, err = m.Int64Counter("trunkline.recognitions.filtered",
		metric.WithDescription("STT finals rejected by the recognition gate, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("trunkline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("trunkline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("trunkline.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
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

// RecordCallStarted increments the started counter and the active-calls gauge.
func (m *Metrics) RecordCallStarted(ctx context.Context, carrier string) {
	attrs := metric.WithAttributes(attribute.String("carrier", carrier))
	m.CallsStarted.Add(ctx, 1, attrs)
	m.ActiveCalls.Add(ctx, 1, attrs)
}

// RecordCallEnded increments the ended counter and decrements the gauge.
func (m *Metrics) RecordCallEnded(ctx context.Context, carrier, reason string) {
	m.CallsEnded.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("carrier", carrier),
			attribute.String("reason", reason),
		),
	)
	m.ActiveCalls.Add(ctx, -1,
		metric.WithAttributes(attribute.String("carrier", carrier)),
	)
}

// RecordFilteredRecognition counts one gate rejection by reason.
func (m *Metrics) RecordFilteredRecognition(ctx context.Context, reason string) {
	m.FilteredRecognitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
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
