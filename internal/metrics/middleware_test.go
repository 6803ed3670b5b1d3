package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func newRouted(m *ServerMetrics) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/content", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"en":{}}`))
	})
	r.Put("/api/content", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.Get("/quiet", func(http.ResponseWriter, *http.Request) {})
	return m.Middleware(r)
}

func TestMiddleware_Labels(t *testing.T) {
	m := New()
	h := newRouted(m)

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/content?locale=es"},
		{http.MethodGet, "/api/content"},
		{http.MethodPut, "/api/content"},
		{http.MethodGet, "/boom"},
		{http.MethodGet, "/quiet"},
		{http.MethodGet, "/wp-login.php"},
		{http.MethodGet, "/.env"},
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(req.method, req.path, nil))
	}

	tests := []struct {
		labels map[string]string
		want   float64
	}{
		{map[string]string{"method": "GET", "route": "/api/content", "status": "200"}, 2},
		{map[string]string{"method": "PUT", "route": "/api/content", "status": "429"}, 1},
		{map[string]string{"method": "GET", "route": "/boom", "status": "500"}, 1},
		{map[string]string{"method": "GET", "route": "/quiet", "status": "200"}, 1},
		{map[string]string{"method": "GET", "route": unmatchedRoute, "status": "404"}, 2},
	}
	for _, tt := range tests {
		if got := value(t, m, "http_requests_total", tt.labels); got != tt.want {
			t.Errorf("http_requests_total%v = %v, want %v", tt.labels, got, tt.want)
		}
	}

	errs := family(t, m, "http_errors_total").GetMetric()
	if len(errs) != 1 || errs[0].GetCounter().GetValue() != 1 {
		t.Fatalf("http_errors_total should only count the 500, got %v", errs)
	}
}

func TestMiddleware_InflightAndSizes(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		during = value(t, m, "http_inflight_requests", nil)
		_, _ = w.Write(make([]byte, 300))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if during != 1 {
		t.Fatalf("inflight during request = %v", during)
	}
	if got := value(t, m, "http_inflight_requests", nil); got != 0 {
		t.Fatalf("inflight after = %v", got)
	}
	hist := family(t, m, "http_response_size_bytes").GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 1 || hist.GetSampleSum() != 300 {
		t.Fatalf("size histogram count=%d sum=%v", hist.GetSampleCount(), hist.GetSampleSum())
	}
}

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusOK)
	if sw.status != http.StatusAccepted {
		t.Fatalf("status = %d", sw.status)
	}
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")

	sampled := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ex := traceExemplar(trace.ContextWithSpanContext(context.Background(), sampled))
	if ex["trace_id"] != tid.String() {
		t.Fatalf("exemplar = %v", ex)
	}

	unsampled := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid})
	if traceExemplar(trace.ContextWithSpanContext(context.Background(), unsampled)) != nil {
		t.Fatal("unsampled trace should not produce an exemplar")
	}
	if traceExemplar(context.Background()) != nil {
		t.Fatal("no trace, no exemplar")
	}
}
