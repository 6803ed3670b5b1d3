package httpserver

import (
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/portfolio-web/internal/health"
	"github.com/keithlinneman/portfolio-web/internal/httpmw"
	"github.com/keithlinneman/portfolio-web/internal/log"
)

// DefaultMaxBodyBytes bounds request bodies. A full override document for
// one locale is a few KiB.
const DefaultMaxBodyBytes = 64 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MaxBodyBytes int64

	MetricsMW    httpmw.Middleware
	RateLimitMW  httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes mounts the application routes, e.g. contenthttp.API.RegisterRoutes
	APIRoutes func(chi.Router)
}

func (o *Options) maxBody() int64 {
	if o.MaxBodyBytes > 0 {
		return o.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (o *Options) logger() log.Logger {
	if o.Logger == nil {
		return log.Nop()
	}
	return o.Logger
}
