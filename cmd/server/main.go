package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/portfolio-web/internal/cfg"
	"github.com/keithlinneman/portfolio-web/internal/content"
	"github.com/keithlinneman/portfolio-web/internal/contenthttp"
	"github.com/keithlinneman/portfolio-web/internal/health"
	"github.com/keithlinneman/portfolio-web/internal/httpmw"
	"github.com/keithlinneman/portfolio-web/internal/httpserver"
	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/metrics"
	"github.com/keithlinneman/portfolio-web/internal/opshttp"
	"github.com/keithlinneman/portfolio-web/internal/otelx"
	"github.com/keithlinneman/portfolio-web/internal/prof"
	"github.com/keithlinneman/portfolio-web/internal/ratelimit"
	v "github.com/keithlinneman/portfolio-web/internal/version"
)

// drainPeriod is how long readiness fails before listeners close, long enough
// for the load balancer to mark the target unhealthy
const drainPeriod = 30 * time.Second

// updatePolicy is the extra limit on PUT /api/content, on top of the global one
var updatePolicy = ratelimit.Policy{Limit: 20, Window: time.Minute}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"content_backend", conf.ContentBackend,
		"data_dir", conf.DataDir,
		"content_s3_bucket", conf.ContentS3Bucket,
		"ratelimit_backend", conf.RateLimitBackend,
		"ratelimit_requests", conf.RateLimitRequests,
		"ratelimit_window", conf.RateLimitWindow.String(),
		"content_updates_enabled", conf.AdminToken != "" || conf.AdminTokenParam != "",
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	m.SetProfilingActive(err == nil && conf.EnablePyroscope)

	// collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	awsCfg := newAWSLoader()

	store, err := newContentStore(ctx, conf, L, m, awsCfg)
	if err != nil {
		L.Error(ctx, err, "failed to create content store")
		os.Exit(1)
	}
	svc := content.NewService(store,
		content.WithServiceLogger(L),
		content.WithOnUpdate(func(locale content.Locale, err error) {
			m.ObserveContentUpdate(string(locale), err, rejectedUpdate(err))
		}),
	)
	// create the document now so a broken data dir shows up in the logs at boot
	if err := svc.Check(ctx); err != nil {
		L.Error(ctx, err, "content store not usable at startup, serving will retry")
	}

	limitStore, closeLimitStore := newLimiterStore(conf)
	defer closeLimitStore()

	limiter := ratelimit.New(
		ratelimit.WithStore(limitStore),
		ratelimit.WithPolicy(ratelimit.Policy{
			Limit:         conf.RateLimitRequests,
			Window:        conf.RateLimitWindow,
			MaxEntries:    conf.RateLimitMaxEntries,
			SweepInterval: conf.RateLimitSweepInterval,
		}),
		ratelimit.WithLogger(L),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnEvicted(m.AddRateLimitEvicted),
		ratelimit.WithOnSwept(m.AddRateLimitSwept),
	)

	auth, err := newAuthorizer(ctx, conf, L, awsCfg)
	if err != nil {
		L.Error(ctx, err, "failed to set up content update auth")
		os.Exit(1)
	}
	contentAPI := contenthttp.NewAPI(svc, L,
		contenthttp.WithAuthorizer(auth),
		contenthttp.WithUpdateMiddleware(limiter.Limit("content-update", updatePolicy)),
	)

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.WithTimeout(2*time.Second, health.Named("content store", svc)),
		health.WithTimeout(time.Second, health.Named("ratelimit store", health.CheckFunc(limiter.Ping))),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    contentAPI.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}

	// ops listener rejects public peers itself, the security group is the first line
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// rejectedUpdate separates client mistakes from store failures in metrics
func rejectedUpdate(err error) bool {
	if err == nil {
		return false
	}
	var le *content.LocaleError
	return errors.As(err, &le) || errors.Is(err, content.ErrMergeDepthExceeded)
}

func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
