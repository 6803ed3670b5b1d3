package httpserver_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/keithlinneman/portfolio-web/internal/content"
	"github.com/keithlinneman/portfolio-web/internal/contenthttp"
	"github.com/keithlinneman/portfolio-web/internal/health"
	"github.com/keithlinneman/portfolio-web/internal/httpserver"
	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/metrics"
	"github.com/keithlinneman/portfolio-web/internal/ratelimit"
)

// fullStack wires the same pieces as cmd/server against in-memory backends.
func fullStack(t *testing.T, globalLimit int) (http.Handler, *metrics.ServerMetrics, *health.ShutdownGate) {
	t.Helper()
	m := metrics.New()

	store, err := content.NewFileStore(content.FileStoreOptions{
		Dir:       "/srv/data",
		Fs:        afero.NewMemMapFs(),
		OnRecover: m.IncContentRecovered,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := content.NewService(store, content.WithOnUpdate(func(l content.Locale, err error) {
		m.ObserveContentUpdate(string(l), err, false)
	}))

	limiter := ratelimit.New(
		ratelimit.WithLimit(globalLimit),
		ratelimit.WithWindow(time.Minute),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
	)
	api := contenthttp.NewAPI(svc, log.Nop(),
		contenthttp.WithAuthorizer(contenthttp.BearerToken("integration-token")),
		contenthttp.WithUpdateMiddleware(limiter.Limit("content-update", ratelimit.Policy{Limit: 2, Window: time.Minute})),
	)

	gate := &health.ShutdownGate{}
	h := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    health.All(gate.Probe(), health.Named("content store", svc), health.Named("ratelimit store", health.CheckFunc(limiter.Ping))),
		APIRoutes:    api.RegisterRoutes,
	})
	return h, m, gate
}

func send(h http.Handler, method, target, body, remote string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.RemoteAddr = remote
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIntegration_ContentRoundTrip(t *testing.T) {
	h, m, _ := fullStack(t, 100)
	auth := map[string]string{"Authorization": "Bearer integration-token"}

	rec := send(h, http.MethodGet, "/api/content", "", "198.51.100.1:1000", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d: %s", rec.Code, rec.Body.String())
	}
	var all map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if _, ok := all["en"]["hero"]; !ok {
		t.Fatal("english defaults missing hero section")
	}
	if _, ok := all["es"]["hero"]; !ok {
		t.Fatal("spanish defaults missing hero section")
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Fatalf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec = send(h, http.MethodPut, "/api/content", `{"locale":"es","content":{"hero":{"headline":"Hola"}}}`, "198.51.100.1:1000", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body.String())
	}

	rec = send(h, http.MethodGet, "/api/content?locale=es", "", "198.51.100.1:1000", nil)
	var es map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &es); err != nil {
		t.Fatal(err)
	}
	hero, _ := es["hero"].(map[string]any)
	if hero["headline"] != "Hola" {
		t.Fatalf("hero.headline = %v", hero["headline"])
	}
	if _, ok := hero["name"]; !ok {
		t.Fatal("untouched default fields should survive the merge")
	}

	rec = send(h, http.MethodPut, "/api/content", `{"locale":"en","content":{}}`, "198.51.100.1:1000", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated PUT = %d", rec.Code)
	}

	if rec := send(h, http.MethodGet, "/-/ready", "", "10.0.0.2:1", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	scrape := rec.Body.String()
	for _, want := range []string{
		`content_updates_total{locale="es",result="ok"} 1`,
		`content_recovered_total{reason="missing"} 1`,
		`http_requests_total{method="PUT",route="/api/content",status="401"} 1`,
	} {
		if !strings.Contains(scrape, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}

func TestIntegration_RateLimits(t *testing.T) {
	h, m, _ := fullStack(t, 3)
	auth := map[string]string{"Authorization": "Bearer integration-token"}

	for i := 0; i < 3; i++ {
		if rec := send(h, http.MethodGet, "/api/content", "", "198.51.100.7:1", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := send(h, http.MethodGet, "/api/content", "", "198.51.100.7:1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("429 headers = %v", rec.Header())
	}

	// probes and other clients are unaffected
	if rec := send(h, http.MethodGet, "/-/healthy", "", "198.51.100.7:1", nil); rec.Code != http.StatusOK {
		t.Fatalf("probe = %d", rec.Code)
	}
	if rec := send(h, http.MethodGet, "/api/content", "", "198.51.100.8:1", nil); rec.Code != http.StatusOK {
		t.Fatalf("other client = %d", rec.Code)
	}

	// update budget is its own scope: 2 allowed, 3rd denied, global budget still applies first
	client := "198.51.100.9:1"
	body := `{"locale":"en","content":{"hero":{"headline":"x"}}}`
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, send(h, http.MethodPut, "/api/content", body, client, auth).Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("update codes = %v, want %v", codes, want)
		}
	}

	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "ratelimit_denied_total 2") {
		t.Fatalf("denials not counted:\n%s", rec.Body.String())
	}
}

func TestIntegration_DrainingFailsReadiness(t *testing.T) {
	h, _, gate := fullStack(t, 100)
	gate.Set("shutting down")
	rec := send(h, http.MethodGet, "/-/ready", "", "10.0.0.2:1", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "shutting down") {
		t.Fatalf("ready = %d %q", rec.Code, rec.Body.String())
	}
}
