// Package httpmw holds the HTTP middleware shared by the public content API.
//
// httpserver.NewHandler composes it outermost first: security headers,
// panic recovery, request ID, client IP resolution, rate limiting, OTEL
// tracing, metrics, request-scoped logging, then the chi router with
// route annotation, access logging and body limits inside it.
//
// Logged fields are limited to what the server resolved itself. Query
// strings and client supplied headers other than the request ID never
// reach the logs.
package httpmw
