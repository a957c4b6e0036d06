// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped from /metrics.
// A package-level [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Audio path ---

	// AudioBatchesSent counts batches handed to the transport by the pacer.
	// Use with attribute.String("status", "ok"|"error").
	AudioBatchesSent metric.Int64Counter

	// AudioSamplesSent counts 16 kHz samples handed to the transport.
	AudioSamplesSent metric.Int64Counter

	// FramesDropped counts audio discarded before transmission. Use with
	// attribute.String("stage", "capture"|"pacer").
	FramesDropped metric.Int64Counter

	// --- Transcription ---

	// TurnsReceived counts turn updates. Use with
	// attribute.Bool("interim", ...).
	TurnsReceived metric.Int64Counter

	// StateTransitions counts connection state changes. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	StateTransitions metric.Int64Counter

	// ConnectDuration tracks the time from start to connected, which covers
	// token acquisition and the transport handshake.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stayed active.
	SessionDuration metric.Float64Histogram

	// ActiveSessions tracks the number of sessions holding a transport.
	ActiveSessions metric.Int64UpDownCounter

	// --- Analysis ---

	// AnalysisDuration tracks analysis latency. Use with
	// attribute.String("status", ...).
	AnalysisDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// sessionBuckets covers sessions from a few seconds to a few hours.
var sessionBuckets = []float64{
	5, 15, 30, 60, 300, 600, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.AudioBatchesSent, err = m.Int64Counter("livescribe.audio.batches_sent",
		metric.WithDescription("Audio batches handed to the transport by status."),
	); err != nil {
		return nil, err
	}
	if met.AudioSamplesSent, err = m.Int64Counter("livescribe.audio.samples_sent",
		metric.WithDescription("16 kHz samples handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livescribe.audio.dropped",
		metric.WithDescription("Audio blocks or frames discarded before transmission by stage."),
	); err != nil {
		return nil, err
	}
	if met.TurnsReceived, err = m.Int64Counter("livescribe.stt.turns",
		metric.WithDescription("Turn updates received from the transcription service."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("livescribe.stt.transitions",
		metric.WithDescription("Connection state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("livescribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("livescribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livescribe.stt.connect.duration",
		metric.WithDescription("Time from session start until the transport is connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livescribe.session.duration",
		metric.WithDescription("Duration of transcription sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("livescribe.analysis.duration",
		metric.WithDescription("Latency of transcript analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livescribe.active_sessions",
		metric.WithDescription("Number of sessions currently holding a transport."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
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

// RecordAudioSend records one pacer transmission attempt.
func (m *Metrics) RecordAudioSend(ctx context.Context, samples int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.AudioBatchesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if err == nil {
		m.AudioSamplesSent.Add(ctx, int64(samples))
	}
}

// RecordDropped adds n discarded units for the given pipeline stage.
func (m *Metrics) RecordDropped(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn records one turn update.
func (m *Metrics) RecordTurn(ctx context.Context, interim bool) {
	m.TurnsReceived.Add(ctx, 1, metric.WithAttributes(attribute.Bool("interim", interim)))
}

// RecordTransition records one connection state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
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
