package opshttp

import (
	"net/http"

	"github.com/keithlinneman/portfolio-web/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs for each recovered handler panic, e.g. to bump http_panic_total
	OnPanic func()
}
