package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

const unknownClientIP = "0.0.0.0"

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies between the client and
	// this server. 0 ignores X-Forwarded-For, 1 takes the rightmost entry
	// (single ALB), 2 the second from the right (CDN + ALB), and so on.
	TrustedHops int
}

// ClientIP resolves the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the client address once and stores it in the
// request context. The rate limiter keys on this value, so it must run
// outside of it.
func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP only honors X-Forwarded-For when the peer is on a private
// network and proxies are configured. Forwarded headers are stripped
// whenever they are not trusted so nothing downstream reads them by mistake.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return unknownClientIP
	}
	peer, ok := parsePeer(r.RemoteAddr)
	if !ok {
		return unknownClientIP
	}
	peerIP := peer.String()

	if !peer.IsPrivate() || trustedHops <= 0 {
		stripForwarded(r.Header)
		return peerIP
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peerIP
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer hops than configured proxies: misconfigured or forged
		stripForwarded(r.Header)
		return peerIP
	}
	if cand, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return cand.Unmap().String()
	}
	return peerIP
}

func parsePeer(remote string) (netip.Addr, bool) {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func stripForwarded(h http.Header) {
	h.Del("X-Forwarded-For")
	h.Del("X-Forwarded-Proto")
}

// ClientIPFromContext returns the resolved client address, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
