package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddleware builds an instrumented no-op handler plus the readers needed
// to inspect what it recorded.
func newMiddleware(t *testing.T, inner http.HandlerFunc) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	_, exp := newTestTracerProvider(t)

	if inner == nil {
		inner = func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	return Middleware(m)(inner), reader, exp
}

func TestMiddleware_RouteLabels(t *testing.T) {
	for path, want := range map[string]string{
		"/ws":       "ws",
		"/metrics":  "metrics",
		"/healthz":  "health",
		"/readyz":   "health",
		"/anything": "other",
	} {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMiddleware_CreatesServerSpan(t *testing.T) {
	handler, _, exp := newMiddleware(t, nil)

	req := httptest.NewRequest("GET", "/ws", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /ws" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "GET /ws")
	}
	foundRoute := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "coachflow.route" && a.Value.AsString() == "ws" {
			foundRoute = true
		}
	}
	if !foundRoute {
		t.Error("span missing coachflow.route attribute")
	}
}

func TestMiddleware_RecordsDurationPerRoute(t *testing.T) {
	handler, reader, _ := newMiddleware(t, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "coachflow.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("duration metric has no histogram data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	foundRoute := false
	for _, kv := range dp.Attributes.ToSlice() {
		if string(kv.Key) == "route" && kv.Value.AsString() == "health" {
			foundRoute = true
		}
	}
	if !foundRoute {
		t.Error("data point missing route=health attribute")
	}
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	handler, _, exp := newMiddleware(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("response status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatal("no span recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddleware_JoinsIncomingTraceContext(t *testing.T) {
	handler, _, exp := newMiddleware(t, nil)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatal("no span recorded")
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace ID = %q, want the incoming traceparent's", got)
	}
}

func TestMiddleware_WriterSupportsResponseController(t *testing.T) {
	// The WebSocket upgrade reaches the underlying writer through
	// http.ResponseController, which depends on Unwrap.
	handler, _, _ := newMiddleware(t, func(w http.ResponseWriter, _ *http.Request) {
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush through wrapped writer: %v", err)
		}
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ws", nil))
}
