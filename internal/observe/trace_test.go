package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// and installs it as the global provider for the duration of the test.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return tp, exp
}

func TestTraceAttrs_NilWithoutSpan(t *testing.T) {
	if got := TraceAttrs(context.Background()); got != nil {
		t.Errorf("TraceAttrs(background) = %v, want nil", got)
	}
}

func TestTraceAttrs_CarrySpanIdentity(t *testing.T) {
	newTestTracerProvider(t)

	ctx, span := StartSpan(context.Background(), "room-sweep")
	defer span.End()

	attrs := TraceAttrs(ctx)
	if len(attrs) != 2 {
		t.Fatalf("TraceAttrs returned %d attrs, want 2", len(attrs))
	}
	if attrs[0].Key != "trace_id" || attrs[1].Key != "span_id" {
		t.Fatalf("attr keys = %q, %q", attrs[0].Key, attrs[1].Key)
	}
	want := span.SpanContext().TraceID().String()
	if got := attrs[0].Value.String(); got != want {
		t.Errorf("trace_id = %q, want %q", got, want)
	}
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	_, exp := newTestTracerProvider(t)

	_, span := StartSpan(context.Background(), "agent-spawn")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "agent-spawn" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "agent-spawn")
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}
