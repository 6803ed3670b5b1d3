package httpmw

import "net/http"

// Middleware is the shape every constructor in this package returns.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so the first middleware is outermost. nil entries are skipped,
// which lets callers pass optional middleware without branching.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
