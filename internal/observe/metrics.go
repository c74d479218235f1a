// Package observe provides application-wide observability primitives for the
// gateway: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/flametree-ai/sipvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks utterance transcription latency.
	TranscribeDuration metric.Float64Histogram

	// GenerateDuration tracks reply generation latency, from the commit
	// request until the backend's response text arrives.
	GenerateDuration metric.Float64Histogram

	// SynthesizeDuration tracks speech synthesis latency per TTS task.
	SynthesizeDuration metric.Float64Histogram

	// PlayQueueDuration tracks how long a synthesized reply waits between
	// entering the play queue and actually reaching the wire.
	PlayQueueDuration metric.Float64Histogram

	// --- Counters ---

	// BackendRequests counts conversation-backend API calls. Use with
	// attributes:
	//   attribute.String("endpoint", ...), attribute.String("status", ...)
	BackendRequests metric.Int64Counter

	// VADEvents counts voice-activity events. Use with attribute:
	//   attribute.String("event", ...)
	VADEvents metric.Int64Counter

	// TTSTasks counts synthesis tasks by outcome. Use with attribute:
	//   attribute.String("status", ...)
	TTSTasks metric.Int64Counter

	// CallsHandled counts finished calls. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	CallsHandled metric.Int64Counter

	// DroppedFrames counts capture frames discarded under backpressure.
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call legs.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-turn latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("sipvox.transcribe.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GenerateDuration, err = m.Float64Histogram("sipvox.generate.duration",
		metric.WithDescription("Latency of backend reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("sipvox.synthesize.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlayQueueDuration, err = m.Float64Histogram("sipvox.play_queue.duration",
		metric.WithDescription("Time a synthesized reply waits in the play queue."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackendRequests, err = m.Int64Counter("sipvox.backend.requests",
		metric.WithDescription("Total conversation-backend requests by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.VADEvents, err = m.Int64Counter("sipvox.vad.events",
		metric.WithDescription("Total voice-activity events by event type."),
	); err != nil {
		return nil, err
	}
	if met.TTSTasks, err = m.Int64Counter("sipvox.tts.tasks",
		metric.WithDescription("Total speech synthesis tasks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallsHandled, err = m.Int64Counter("sipvox.calls",
		metric.WithDescription("Total finished calls by direction and close status."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("sipvox.frames.dropped",
		metric.WithDescription("Total capture frames dropped under backpressure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("sipvox.active_calls",
		metric.WithDescription("Number of live call legs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sipvox.http.request.duration",
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

// RecordBackendRequest is a convenience method that records a backend request
// counter increment with the standard attribute set.
func (m *Metrics) RecordBackendRequest(ctx context.Context, endpoint, status string) {
	m.BackendRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

// RecordVADEvent is a convenience method that records a voice-activity event
// counter increment.
func (m *Metrics) RecordVADEvent(ctx context.Context, event string) {
	m.VADEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordTTSTask is a convenience method that records a synthesis task counter
// increment.
func (m *Metrics) RecordTTSTask(ctx context.Context, status string) {
	m.TTSTasks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCall is a convenience method that records a finished call with its
// direction and close status.
func (m *Metrics) RecordCall(ctx context.Context, direction, status string) {
	m.CallsHandled.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("status", status),
		),
	)
}
