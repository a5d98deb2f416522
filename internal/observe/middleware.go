package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no route pattern matched, so unknown paths
// cannot blow up metric cardinality.
const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

// WithQuietRoutes logs requests matching the given route patterns (as
// registered on the mux, e.g. "GET /healthz") at debug level.
func WithQuietRoutes(patterns ...string) MiddlewareOption {
	return func(m *middleware) {
		for _, p := range patterns {
			m.quiet[p] = true
		}
	}
}

// WithSessionID tags spans and logs of /session routes with the session the
// request acted on. fn is read after the handler returns, so a connect is
// tagged with the session it created.
func WithSessionID(fn func() string) MiddlewareOption {
	return func(m *middleware) { m.sessionID = fn }
}

// WithAccessLogger sets the logger for request logs. Defaults to
// [slog.Default].
func WithAccessLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.log = l }
}

type middleware struct {
	metrics   *Metrics
	prop      propagation.TextMapPropagator
	quiet     map[string]bool
	sessionID func() string
	log       *slog.Logger
}

// Middleware instruments the control surface. It must wrap an
// [http.ServeMux]: requests are labelled by the matched route pattern
// (r.Pattern), never by the raw path.
//
// Each request continues an incoming W3C trace or starts a new one, gets an
// X-Correlation-ID response header, is recorded in
// [Metrics.HTTPRequestDuration] by method, route and status, and is logged
// once on completion. Server errors log at warn.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{
		metrics: m,
		prop:    propagation.TraceContext{},
		quiet:   make(map[string]bool),
	}
	for _, o := range opts {
		o(mw)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(next, w, r)
		})
	}
}

func (mw *middleware) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := mw.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	mw.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	// ServeMux records the matched pattern on this request value.
	r = r.WithContext(ctx)
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	next.ServeHTTP(rec, r)
	duration := time.Since(start)

	route := r.Pattern
	if route == "" {
		route = unmatchedRoute
	} else {
		span.SetName(route)
		span.SetAttributes(semconv.HTTPRoute(route))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
	if rec.statusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
	}

	mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status", rec.statusCode),
		),
	)

	attrs := []slog.Attr{
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("route", route),
		slog.Int("status", rec.statusCode),
		slog.Duration("duration", duration),
	}
	if mw.sessionID != nil && isSessionRoute(r.URL.Path) {
		if id := mw.sessionID(); id != "" {
			span.SetAttributes(SessionIDKey.String(id))
			attrs = append(attrs, slog.String("session_id", id))
		}
	}

	level := slog.LevelInfo
	switch {
	case mw.quiet[route]:
		level = slog.LevelDebug
	case rec.statusCode >= http.StatusInternalServerError:
		level = slog.LevelWarn
	}
	log := mw.log
	if log == nil {
		log = slog.Default()
	}
	log.LogAttrs(ctx, level, "request completed", attrs...)
}

func isSessionRoute(path string) bool {
	return path == "/session" || strings.HasPrefix(path, "/session/")
}
