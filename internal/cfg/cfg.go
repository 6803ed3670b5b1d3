package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/portfolio-web/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment
const EnvPrefix = "PORTFOLIO_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TrustedHops int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// content override store
	ContentBackend  string
	DataDir         string
	FallbackDir     string
	ContentS3Bucket string
	ContentS3Key    string
	AdminToken      string
	AdminTokenParam string

	// rate limiting
	RateLimitBackend       string
	RateLimitRequests      int
	RateLimitWindow        time.Duration
	RateLimitMaxEntries    int
	RateLimitSweepInterval time.Duration
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	RedisPrefix            string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted proxies in front of the server for X-Forwarded-For (0..5)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.ContentBackend, "content-backend", "file", "where content overrides are stored: file|s3")
	fs.StringVar(&c.DataDir, "data-dir", "data", "directory holding content-overrides.json")
	fs.StringVar(&c.FallbackDir, "fallback-dir", "", "writable directory used when data-dir is read-only (default: $TMPDIR/portfolio-web)")
	fs.StringVar(&c.ContentS3Bucket, "content-s3-bucket", "", "s3 bucket for content overrides when content-backend=s3")
	fs.StringVar(&c.ContentS3Key, "content-s3-key", "content/content-overrides.json", "s3 object key for content overrides")
	fs.StringVar(&c.AdminToken, "admin-token", "", "bearer token required for content updates (empty disables updates)")
	fs.StringVar(&c.AdminTokenParam, "admin-token-ssm-param", "", "SSM parameter holding the admin token, re-read every few minutes (overrides -admin-token)")

	fs.StringVar(&c.RateLimitBackend, "ratelimit-backend", "memory", "rate limit entry store: memory|redis")
	fs.IntVar(&c.RateLimitRequests, "ratelimit-requests", 10, "requests allowed per client per window")
	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", time.Minute, "rate limit window")
	fs.IntVar(&c.RateLimitMaxEntries, "ratelimit-max-entries", 10000, "maximum tracked clients before eviction")
	fs.DurationVar(&c.RateLimitSweepInterval, "ratelimit-sweep-interval", 15*time.Second, "minimum time between expired entry sweeps")
	fs.StringVar(&c.RedisAddr, "redis-addr", "127.0.0.1:6379", "redis host:port when ratelimit-backend=redis")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "portfolio:ratelimit", "redis key prefix for rate limit entries")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 5 {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_HOPS %d (must be 0..5)", c.TrustedHops))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	switch c.ContentBackend {
	case "file":
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, fmt.Errorf("DATA_DIR is required when CONTENT_BACKEND=file"))
		}
	case "s3":
		if c.ContentS3Bucket == "" {
			errs = append(errs, fmt.Errorf("CONTENT_S3_BUCKET is required when CONTENT_BACKEND=s3"))
		}
		if c.ContentS3Key == "" {
			errs = append(errs, fmt.Errorf("CONTENT_S3_KEY is required when CONTENT_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CONTENT_BACKEND %q (must be file|s3)", c.ContentBackend))
	}

	if c.AdminToken != "" && c.AdminTokenParam != "" {
		errs = append(errs, fmt.Errorf("ADMIN_TOKEN and ADMIN_TOKEN_SSM_PARAM are mutually exclusive"))
	}
	if c.AdminTokenParam != "" && !strings.HasPrefix(c.AdminTokenParam, "/") {
		errs = append(errs, fmt.Errorf("ADMIN_TOKEN_SSM_PARAM must be a full parameter path starting with / (got %q)", c.AdminTokenParam))
	}

	if c.RateLimitRequests < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_REQUESTS must be >= 1 (got %d)", c.RateLimitRequests))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW must be >= 1s (got %s)", c.RateLimitWindow))
	}
	if c.RateLimitMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("RATELIMIT_MAX_ENTRIES must be >= 1 (got %d)", c.RateLimitMaxEntries))
	}
	if c.RateLimitSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RATELIMIT_SWEEP_INTERVAL must be > 0 (got %s)", c.RateLimitSweepInterval))
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
		if c.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0 (got %d)", c.RedisDB))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RATELIMIT_BACKEND %q (must be memory|redis)", c.RateLimitBackend))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
