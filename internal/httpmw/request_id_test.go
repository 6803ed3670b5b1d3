package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"generated", "", false},
		{"propagated", "abc-123_DEF.9", true},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"header injection", "abc\r\nSet-Cookie: x", false},
		{"spaces", "abc def", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID("")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				r.Header["X-Request-Id"] = []string{tt.inbound}
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			if seen == "" {
				t.Fatal("request ID missing from context")
			}
			if got := rec.Header().Get("X-Request-Id"); got != seen {
				t.Fatalf("response header = %q, context = %q", got, seen)
			}
			if tt.keep && seen != tt.inbound {
				t.Fatalf("id = %q, want inbound %q", seen, tt.inbound)
			}
			if !tt.keep && (seen == tt.inbound || len(seen) != 32) {
				t.Fatalf("id = %q, want fresh 32 hex chars", seen)
			}
		})
	}
}

func TestRequestID_CustomHeader(t *testing.T) {
	h := RequestID("X-Correlation-Id")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Correlation-Id", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("X-Correlation-Id") != "corr-1" {
		t.Fatalf("header = %q", rec.Header().Get("X-Correlation-Id"))
	}
}

func TestRequestID_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
