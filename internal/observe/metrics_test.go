package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the int64 sum data point value whose attributes contain
// key=value, and whether it was found.
func sumWhere(t *testing.T, met *metricdata.Metrics, key, value string) (int64, bool) {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"livecritic.session.handshake.duration", m.HandshakeDuration},
		{"livecritic.audio.decode.duration", m.DecodeDuration},
		{"livecritic.playback.lead", m.PlaybackLead},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
		add  int64
	}{
		{"livecritic.capture.frames.sent", m.FramesSent, 3},
		{"livecritic.capture.frames.dropped", m.FramesDropped, 1},
		{"livecritic.inbound.blobs", m.BlobsReceived, 2},
		{"livecritic.audio.decode.errors", m.DecodeErrors, 4},
		{"livecritic.capture.send.errors", m.SendErrors, 5},
	}
	for _, tc := range counters {
		tc.c.Add(ctx, tc.add)
	}

	rm := collect(t, reader)
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.add {
				t.Errorf("counter value = %d, want %d", got, tc.add)
			}
		})
	}
}

func TestRecordSessionError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionError(ctx, "gemini-live", "handshake")
	m.RecordSessionError(ctx, "gemini-live", "handshake")
	m.RecordSessionError(ctx, "gemini-live", "device")

	met := findMetric(collect(t, reader), "livecritic.session.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := sumWhere(t, met, "kind", "handshake"); !ok || got != 2 {
		t.Errorf("handshake errors = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumWhere(t, met, "kind", "device"); !ok || got != 1 {
		t.Errorf("device errors = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordTranscript(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, "user")
	m.RecordTranscript(ctx, "model")
	m.RecordTranscript(ctx, "model")

	met := findMetric(collect(t, reader), "livecritic.transcripts")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, _ := sumWhere(t, met, "role", "model"); got != 2 {
		t.Errorf("model transcripts = %d, want 2", got)
	}
}

func TestPlaybackScheduled(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.PlaybackScheduled.Add(ctx, 2.0)
	m.PlaybackScheduled.Add(ctx, 1.5)

	met := findMetric(collect(t, reader), "livecritic.playback.scheduled")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[float64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric is not a float64 sum")
	}
	if got := sum.DataPoints[0].Value; got != 3.5 {
		t.Errorf("scheduled seconds = %v, want 3.5", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	met := findMetric(collect(t, reader), "livecritic.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("metric has no sum data")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "GET /healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "livecritic.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
