// Package observe provides application-wide observability primitives for
// livecritic: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livecritic metrics.
const meterName = "github.com/MrWong99/livecritic"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks the time from Connect until the session is
	// live, device setup included. Use with attribute:
	//   attribute.String("gateway", ...)
	HandshakeDuration metric.Float64Histogram

	// DecodeDuration tracks inbound blob decode latency.
	DecodeDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the audio clock each buffer was
	// scheduled. Zero means the buffer started immediately.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts capture frames handed to the gateway.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames discarded because the outbound
	// queue was full.
	FramesDropped metric.Int64Counter

	// BlobsReceived counts inbound audio blobs.
	BlobsReceived metric.Int64Counter

	// Transcripts counts transcript fragments. Use with attribute:
	//   attribute.String("role", ...)
	Transcripts metric.Int64Counter

	// PlaybackScheduled accumulates seconds of audio handed to the output.
	PlaybackScheduled metric.Float64Counter

	// --- Error counters ---

	// DecodeErrors counts inbound blobs that could not be decoded.
	DecodeErrors metric.Int64Counter

	// SendErrors counts failed outbound sends.
	SendErrors metric.Int64Counter

	// SessionErrors counts sessions that ended in error. Use with attributes:
	//   attribute.String("gateway", ...), attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("livecritic.session.handshake.duration",
		metric.WithDescription("Time from connect request until the session is live."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("livecritic.audio.decode.duration",
		metric.WithDescription("Latency of decoding one inbound audio blob."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("livecritic.playback.lead",
		metric.WithDescription("Distance between the audio clock and a buffer's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livecritic.capture.frames.sent",
		metric.WithDescription("Total capture frames sent to the gateway."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livecritic.capture.frames.dropped",
		metric.WithDescription("Total capture frames dropped because the outbound queue was full."),
	); err != nil {
		return nil, err
	}
	if met.BlobsReceived, err = m.Int64Counter("livecritic.inbound.blobs",
		metric.WithDescription("Total inbound audio blobs received."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("livecritic.transcripts",
		metric.WithDescription("Total transcript fragments by role."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Float64Counter("livecritic.playback.scheduled",
		metric.WithDescription("Total seconds of audio scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("livecritic.audio.decode.errors",
		metric.WithDescription("Total inbound blobs dropped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("livecritic.capture.send.errors",
		metric.WithDescription("Total outbound sends that failed."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("livecritic.session.errors",
		metric.WithDescription("Total sessions that ended in error by gateway and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livecritic.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livecritic.http.request.duration",
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

// RecordSessionError records a session error counter increment with the
// standard attribute set.
func (m *Metrics) RecordSessionError(ctx context.Context, gateway, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("gateway", gateway),
			attribute.String("kind", kind),
		),
	)
}

// RecordHandshake records the duration of a successful connect.
func (m *Metrics) RecordHandshake(ctx context.Context, gateway string, seconds float64) {
	m.HandshakeDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("gateway", gateway)),
	)
}

// RecordTranscript records one transcript fragment for role.
func (m *Metrics) RecordTranscript(ctx context.Context, role string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}
