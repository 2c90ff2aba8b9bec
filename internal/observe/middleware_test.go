package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newMiddleware builds an instrumented no-op handler on isolated metric and
// trace providers.
func newMiddleware(t *testing.T, status int) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
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

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	return handler, reader, exp
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path, want string
	}{
		{"/mcp", "/mcp"},
		{"/mcp/session", "/mcp"},
		{"/metrics", "/metrics"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/", "other"},
		{"/admin/../etc/passwd", "other"},
	}
	for _, tc := range tests {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestMiddleware_SetsCorrelationID(t *testing.T) {
	handler, _, _ := newMiddleware(t, http.StatusOK)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/mcp", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Errorf("X-Correlation-ID = %q, want a 32-char trace id", cid)
	}
}

func TestMiddleware_SpanUsesRouteNotPath(t *testing.T) {
	handler, _, exp := newMiddleware(t, http.StatusOK)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/mcp/abc123", nil))

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("middleware did not create a span")
	}
	if spans[0].Name != "HTTP GET /mcp" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /mcp")
	}
	// The raw path is still available as an attribute.
	foundPath := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "url.path" && a.Value.AsString() == "/mcp/abc123" {
			foundPath = true
		}
	}
	if !foundPath {
		t.Error("span missing url.path attribute")
	}
}

func TestMiddleware_RecordsDurationByRoute(t *testing.T) {
	handler, reader, _ := newMiddleware(t, http.StatusOK)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/some/unknown/path", nil))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	met := findMetric(rm, "photon.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data type = %T", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	// Unknown paths collapse to "other" so cardinality stays bounded.
	if v, ok := dp.Attributes.Value("path"); !ok || v.AsString() != "other" {
		t.Errorf("path attribute = %v, want other", dp.Attributes)
	}
	if v, ok := dp.Attributes.Value("method"); !ok || v.AsString() != "GET" {
		t.Errorf("method attribute = %v, want GET", dp.Attributes)
	}
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	handler, _, exp := newMiddleware(t, http.StatusNotFound)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
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

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	handler, _, _ := newMiddleware(t, http.StatusOK)

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The correlation id carries on the trace id from the incoming header.
	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("X-Correlation-ID = %q, want %q", got, "4bf92f3577b34da6a3ce929d0e0e4736")
	}
}
