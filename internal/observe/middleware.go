package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures the status code the control-plane handler writes.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// sessionFromPath pulls the backend session ID out of the request path for
// the routes that carry one. The middleware wraps the mux, so the route
// wildcard is not resolved yet when it runs.
func sessionFromPath(path string) string {
	if sid, ok := strings.CutPrefix(path, "/transfer/"); ok {
		return sid
	}
	return ""
}

// Middleware wraps the control plane with the gateway's HTTP telemetry. Each
// request joins the caller's W3C trace (or starts one), runs under a server
// span tagged with the route and, on transfer requests, the call's session
// ID, echoes the trace ID as X-Correlation-ID so an operator can tie a call
// order to the gateway logs, and feeds the request duration histogram.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			}
			sessionID := sessionFromPath(r.URL.Path)
			if sessionID != "" {
				attrs = append(attrs, attribute.String("call.session_id", sessionID))
			}

			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

			fields := []slog.Attr{
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", duration),
			}
			if sessionID != "" {
				fields = append(fields, slog.String("session_id", sessionID))
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "request completed", fields...)
		})
	}
}
