package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written by the downstream handler.
// Unwrap exposes the underlying writer to [http.ResponseController] so the
// signaling route can still hijack the connection for its WebSocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// routeLabel collapses request paths into the bounded set recorded as a
// metric attribute.
func routeLabel(path string) string {
	switch path {
	case "/ws":
		return "ws"
	case "/metrics":
		return "metrics"
	case "/healthz", "/readyz":
		return "health"
	}
	return "other"
}

// Middleware instruments the broker's HTTP surface with a server span per
// request, the request duration histogram, and a completion log line carrying
// the span identity. The signaling route holds its connection open for the
// whole coaching session, so its duration measures the session rather than a
// request/response exchange.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					attribute.String("coachflow.route", route),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			msg := "request completed"
			if route == "ws" {
				msg = "signaling connection closed"
			}
			slog.LogAttrs(ctx, slog.LevelInfo, msg,
				append(TraceAttrs(ctx),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", rec.statusCode),
					slog.Duration("duration", duration),
				)...,
			)
		})
	}
}
