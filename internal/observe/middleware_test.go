package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer provider globally and returns
// metrics backed by a manual reader. Tests using it must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// controlMux mimics the control surface routes.
func controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	mux.HandleFunc("POST /session/connect", ok)
	mux.HandleFunc("GET /session/transcript", ok)
	mux.HandleFunc("GET /sessions", ok)
	mux.HandleFunc("GET /healthz", ok)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return mux
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, a := range s.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m, reader, exp := testSetup(t)
	h := Middleware(m)(controlMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/session/transcript?id=abc", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/no/such/path/123", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "livecritic.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}

	routes := map[string]int64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		routes[route.AsString()] = status.AsInt64()
		if _, raw := dp.Attributes.Value("path"); raw {
			t.Errorf("data point carries raw path attribute: %v", dp.Attributes.ToSlice())
		}
	}
	if got, ok := routes["GET /session/transcript"]; !ok || got != 200 {
		t.Errorf("transcript route status = %d (found %v), want 200", got, ok)
	}
	if got, ok := routes[unmatchedRoute]; !ok || got != 404 {
		t.Errorf("unmatched route status = %d (found %v), want 404", got, ok)
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "GET /session/transcript" {
		t.Errorf("span name = %q, want route pattern", spans[0].Name)
	}
	if v, ok := spanAttr(spans[0], "http.route"); !ok || v.AsString() != "GET /session/transcript" {
		t.Errorf("http.route = %v, want GET /session/transcript", v.AsString())
	}
	if spans[1].Name != "HTTP GET" {
		t.Errorf("unmatched span name = %q, want HTTP GET", spans[1].Name)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	tests := []struct {
		name        string
		traceparent string
		want        string
	}{
		{name: "new trace"},
		{
			name:        "continues W3C trace",
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:        "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := testSetup(t)

			var seen string
			mux := http.NewServeMux()
			mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationID(r.Context())
			})
			req := httptest.NewRequest("GET", "/session", nil)
			if tc.traceparent != "" {
				req.Header.Set("traceparent", tc.traceparent)
			}
			rec := httptest.NewRecorder()
			Middleware(m)(mux).ServeHTTP(rec, req)

			if len(seen) != 32 {
				t.Fatalf("correlation ID = %q, want 32 hex chars", seen)
			}
			if tc.want != "" && seen != tc.want {
				t.Errorf("correlation ID = %q, want %q", seen, tc.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != seen {
				t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
			}
			if got := rec.Header().Get("traceparent"); !strings.Contains(got, seen) {
				t.Errorf("response traceparent = %q, want trace %s", got, seen)
			}
		})
	}
}

func TestMiddleware_TagsSessionRoutes(t *testing.T) {
	m, _, exp := testSetup(t)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	h := Middleware(m,
		WithSessionID(func() string { return "sess-1" }),
		WithAccessLogger(log),
	)(controlMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/session/connect", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/sessions", nil))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if v, ok := spanAttr(spans[0], SessionIDKey); !ok || v.AsString() != "sess-1" {
		t.Errorf("connect span session = %q (found %v), want sess-1", v.AsString(), ok)
	}
	if _, ok := spanAttr(spans[1], SessionIDKey); ok {
		t.Error("/sessions span tagged with a session ID")
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "session_id=sess-1") || !strings.Contains(lines[0], `route="POST /session/connect"`) {
		t.Errorf("connect log = %s", lines[0])
	}
	if strings.Contains(lines[1], "session_id") {
		t.Errorf("/sessions log carries session_id: %s", lines[1])
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	m, _, exp := testSetup(t)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := Middleware(m,
		WithQuietRoutes("GET /healthz", "GET /readyz"),
		WithAccessLogger(log),
	)(controlMux())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))
	if buf.Len() != 0 {
		t.Errorf("quiet routes logged at info: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/boom", nil))
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "status=500") {
		t.Errorf("server error not logged at warn: %s", buf.String())
	}

	spans := exp.GetSpans()
	if last := spans[len(spans)-1]; last.Status.Code != codes.Error {
		t.Errorf("5xx span status = %v, want Error", last.Status.Code)
	}
	if v, ok := spanAttr(spans[1], "http.response.status_code"); !ok || v.AsInt64() != 503 {
		t.Errorf("readyz status attribute = %d, want 503", v.AsInt64())
	}
}
