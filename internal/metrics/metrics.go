package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/portfolio-web/internal/version"
)

// update results used as the "result" label on content_updates_total
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDeniedTotal  prometheus.Counter
	ratelimitEvictedTotal prometheus.Counter
	ratelimitSweptTotal   prometheus.Counter

	contentRecoveredTotal *prometheus.CounterVec
	contentUpdatesTotal   *prometheus.CounterVec
	contentFallbackActive prometheus.Gauge
}

// New returns a fresh registry with the go/process collectors and every
// server metric registered. Labels are bounded (method, route pattern,
// status, locale, reason) so nothing a client sends can grow a series.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_evicted_total",
			Help: "Total rate limit entries evicted to stay under the entry cap",
		}),
		ratelimitSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_swept_total",
			Help: "Total expired rate limit entries removed by the periodic sweep",
		}),
		contentRecoveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "content_recovered_total",
			Help: "Times the override document was recreated, by reason (missing, corrupt)",
		}, []string{"reason"}),
		contentUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "content_updates_total",
			Help: "Content update attempts by locale and result",
		}, []string{"locale", "result"}),
		contentFallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "content_fallback_active",
			Help: "Whether overrides are being served from the writable fallback location (1) or the primary (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDeniedTotal,
		m.ratelimitEvictedTotal,
		m.ratelimitSweptTotal,
		m.contentRecoveredTotal,
		m.contentUpdatesTotal,
		m.contentFallbackActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) AddRateLimitEvicted(n int) {
	m.ratelimitEvictedTotal.Add(float64(n))
}

func (m *ServerMetrics) AddRateLimitSwept(n int) {
	m.ratelimitSweptTotal.Add(float64(n))
}

func (m *ServerMetrics) IncContentRecovered(reason string) {
	m.contentRecoveredTotal.WithLabelValues(reason).Inc()
}

// ObserveContentUpdate counts one update attempt. rejected marks failures
// caused by the request (bad locale, merge depth) rather than the store.
func (m *ServerMetrics) ObserveContentUpdate(locale string, err error, rejected bool) {
	result := ResultOK
	switch {
	case err != nil && rejected:
		result = ResultRejected
	case err != nil:
		result = ResultError
	}
	m.contentUpdatesTotal.WithLabelValues(locale, result).Inc()
}

func (m *ServerMetrics) SetContentFallbackActive(active bool) {
	m.contentFallbackActive.Set(boolGauge(active))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
