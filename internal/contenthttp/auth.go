package contenthttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/keithlinneman/portfolio-web/internal/cryptoutil"
)

var (
	// ErrUnauthorized means no or wrong credentials, 401
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUpdatesDisabled means no credential is configured at all, 403
	ErrUpdatesDisabled = errors.New("content updates are disabled")
)

// Authorizer gates the update path. The session check itself lives outside this
// package, anything that can look at a request can implement it.
type Authorizer interface {
	Authorize(r *http.Request) error
}

type AuthorizerFunc func(r *http.Request) error

func (f AuthorizerFunc) Authorize(r *http.Request) error { return f(r) }

// BearerToken accepts "Authorization: Bearer <token>". An empty token disables updates.
func BearerToken(token string) Authorizer {
	return BearerTokenFrom(func(context.Context) (string, error) { return token, nil })
}

// BearerTokenFrom looks the expected token up on every request, so a rotated
// secret takes effect without a restart. A lookup failure disables updates
// rather than letting anything through.
func BearerTokenFrom(source func(context.Context) (string, error)) Authorizer {
	return AuthorizerFunc(func(r *http.Request) error {
		token, err := source(r.Context())
		if err != nil {
			return fmt.Errorf("%w: admin token unavailable: %w", ErrUpdatesDisabled, err)
		}
		if token == "" {
			return ErrUpdatesDisabled
		}
		scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ErrUnauthorized
		}
		if !cryptoutil.SecretEqual(strings.TrimSpace(got), token) {
			return ErrUnauthorized
		}
		return nil
	})
}
