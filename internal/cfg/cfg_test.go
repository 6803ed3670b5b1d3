package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet so tests don't touch flag.CommandLine
func newTestConfig(t *testing.T, args []string) (App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func TestRegister_Defaults(t *testing.T) {
	c, _ := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", c.LogLevel)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports = %d/%d, want 8080/9000", c.HTTPPort, c.AdminPort)
	}
	if c.ContentBackend != "file" || c.DataDir != "data" {
		t.Errorf("content backend = %q dir = %q", c.ContentBackend, c.DataDir)
	}
	if c.RateLimitBackend != "memory" {
		t.Errorf("RateLimitBackend = %q, want memory", c.RateLimitBackend)
	}
	if c.RateLimitRequests != 10 {
		t.Errorf("RateLimitRequests = %d, want 10", c.RateLimitRequests)
	}
	if c.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow = %s, want 1m", c.RateLimitWindow)
	}
	if c.RateLimitMaxEntries != 10000 {
		t.Errorf("RateLimitMaxEntries = %d, want 10000", c.RateLimitMaxEntries)
	}
	if c.RateLimitSweepInterval != 15*time.Second {
		t.Errorf("RateLimitSweepInterval = %s, want 15s", c.RateLimitSweepInterval)
	}
	if c.AdminToken != "" {
		t.Error("AdminToken should default to empty (updates disabled)")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey(EnvPrefix, "ratelimit-sweep-interval"); got != "PORTFOLIO_RATELIMIT_SWEEP_INTERVAL" {
		t.Fatalf("EnvKey = %q", got)
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("PORTFOLIO_LOG_LEVEL", "debug")
	t.Setenv("PORTFOLIO_DATA_DIR", "/var/lib/portfolio")
	t.Setenv("PORTFOLIO_RATELIMIT_WINDOW", "30s")
	t.Setenv("PORTFOLIO_RATELIMIT_BACKEND", "redis")
	t.Setenv("PORTFOLIO_ADMIN_TOKEN", "s3cret")

	c, fs := newTestConfig(t, nil)
	FillFromEnv(fs, EnvPrefix, nil)

	if c.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", c.LogLevel)
	}
	if c.DataDir != "/var/lib/portfolio" {
		t.Errorf("DataDir = %q", c.DataDir)
	}
	if c.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow = %s", c.RateLimitWindow)
	}
	if c.RateLimitBackend != "redis" {
		t.Errorf("RateLimitBackend = %q", c.RateLimitBackend)
	}
	if c.AdminToken != "s3cret" {
		t.Errorf("AdminToken not filled from env")
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	t.Setenv("PORTFOLIO_HTTP_PORT", "7777")

	c, fs := newTestConfig(t, []string{"-http-port=8181"})
	var msgs []string
	FillFromEnv(fs, EnvPrefix, func(format string, args ...any) {
		msgs = append(msgs, format)
	})

	if c.HTTPPort != 8181 {
		t.Fatalf("HTTPPort = %d, want cli value 8181", c.HTTPPort)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one precedence message, got %d", len(msgs))
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	t.Setenv("PORTFOLIO_RATELIMIT_REQUESTS", "lots")

	c, fs := newTestConfig(t, nil)
	var logged bool
	FillFromEnv(fs, EnvPrefix, func(string, ...any) { logged = true })

	if c.RateLimitRequests != 10 {
		t.Fatalf("RateLimitRequests = %d, want default 10", c.RateLimitRequests)
	}
	if !logged {
		t.Fatal("invalid env value should be reported")
	}
}

func TestValidate_ContentBackend(t *testing.T) {
	c, _ := newTestConfig(t, []string{"-content-backend=s3"})
	wantErrContains(t, Validate(c), "CONTENT_S3_BUCKET")

	c, _ = newTestConfig(t, []string{"-content-backend=s3", "-content-s3-bucket=site-content"})
	if err := Validate(c); err != nil {
		t.Fatalf("s3 backend with bucket should validate: %v", err)
	}

	c, _ = newTestConfig(t, []string{"-content-backend=sqlite"})
	wantErrContains(t, Validate(c), "CONTENT_BACKEND")

	c, _ = newTestConfig(t, []string{"-data-dir= "})
	wantErrContains(t, Validate(c), "DATA_DIR")
}

func TestValidate_RateLimit(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-ratelimit-requests=0"}, "RATELIMIT_REQUESTS"},
		{[]string{"-ratelimit-window=10ms"}, "RATELIMIT_WINDOW"},
		{[]string{"-ratelimit-max-entries=0"}, "RATELIMIT_MAX_ENTRIES"},
		{[]string{"-ratelimit-sweep-interval=0s"}, "RATELIMIT_SWEEP_INTERVAL"},
		{[]string{"-ratelimit-backend=memcached"}, "RATELIMIT_BACKEND"},
		{[]string{"-ratelimit-backend=redis", "-redis-addr=redis"}, "REDIS_ADDR"},
	}
	for _, tt := range tests {
		c, _ := newTestConfig(t, tt.args)
		wantErrContains(t, Validate(c), tt.want)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c, _ := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=loud",
		"-trace-sample=2",
		"-enable-tracing",
		"-enable-pyroscope",
	})
	err := Validate(c)
	for _, sub := range []string{"HTTP_PORT", "ADMIN_PORT", "LOG_LEVEL", "TRACE_SAMPLE", "OTLP_ENDPOINT", "PYRO_SERVER", "PYRO_TENANT"} {
		wantErrContains(t, err, sub)
	}
}

func TestValidate_AdminToken(t *testing.T) {
	c, _ := newTestConfig(t, []string{"-admin-token=abc", "-admin-token-ssm-param=/portfolio/admin-token"})
	wantErrContains(t, Validate(c), "mutually exclusive")

	c, _ = newTestConfig(t, []string{"-admin-token-ssm-param=portfolio/admin-token"})
	wantErrContains(t, Validate(c), "ADMIN_TOKEN_SSM_PARAM")

	c, _ = newTestConfig(t, []string{"-admin-token-ssm-param=/portfolio/admin-token"})
	if err := Validate(c); err != nil {
		t.Fatalf("ssm param alone should validate: %v", err)
	}
}
