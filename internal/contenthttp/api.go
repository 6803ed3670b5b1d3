package contenthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/portfolio-web/internal/content"
	"github.com/keithlinneman/portfolio-web/internal/cryptoutil"
	"github.com/keithlinneman/portfolio-web/internal/httpmw"
	"github.com/keithlinneman/portfolio-web/internal/log"
)

// ContentService is what the handlers need from content.Service
type ContentService interface {
	LandingContent(ctx context.Context, locale content.Locale) (content.Document, error)
	AllLandingContent(ctx context.Context) (map[content.Locale]content.Document, error)
	UpdateLocale(ctx context.Context, locale content.Locale, patch content.Document) (content.Document, error)
}

// API implements the content endpoints
type API struct {
	content  ContentService
	logger   log.Logger
	auth     Authorizer
	updateMW []func(http.Handler) http.Handler
}

type Option func(*API)

// WithAuthorizer gates PUT /api/content, without one updates are disabled
func WithAuthorizer(a Authorizer) Option {
	return func(api *API) {
		if a != nil {
			api.auth = a
		}
	}
}

// WithUpdateMiddleware wraps only the update route, e.g. a stricter rate limit
func WithUpdateMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(api *API) { api.updateMW = append(api.updateMW, mw...) }
}

// NewAPI creates the content API handler
func NewAPI(svc ContentService, logger log.Logger, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	api := &API{
		content: svc,
		logger:  logger,
		auth:    BearerToken(""),
	}
	for _, o := range opts {
		o(api)
	}
	return api
}

// RegisterRoutes attaches content endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("content.get")).Get("/api/content", api.HandleGet)
	update := append([]func(http.Handler) http.Handler{httpmw.Scope("content.update")}, api.updateMW...)
	r.With(update...).Put("/api/content", api.HandleUpdate)
}

// HandleGet serves one locale with ?locale=, otherwise every locale keyed by code
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		body any
		err  error
	)
	if q := r.URL.Query().Get("locale"); q != "" {
		loc, perr := content.ParseLocale(q)
		if perr != nil {
			api.writeJSON(ctx, w, r, http.StatusBadRequest, errorResponse{Error: perr.Error()})
			return
		}
		body, err = api.content.LandingContent(ctx, loc)
	} else {
		body, err = api.content.AllLandingContent(ctx)
	}
	if err != nil {
		api.logger.Error(ctx, err, "failed to load content")
		api.writeJSON(ctx, w, r, http.StatusInternalServerError, errorResponse{Error: "content unavailable"})
		return
	}
	api.writeJSON(ctx, w, r, http.StatusOK, body)
}

// HandleUpdate merges a partial document into one locale's overrides
func (api *API) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := api.auth.Authorize(r); err != nil {
		// the cause can name secrets infrastructure, it only goes to the log
		status, public := http.StatusUnauthorized, ErrUnauthorized
		if errors.Is(err, ErrUpdatesDisabled) {
			status, public = http.StatusForbidden, ErrUpdatesDisabled
		} else {
			w.Header().Set("WWW-Authenticate", `Bearer realm="content"`)
		}
		api.logger.Warn(ctx, "content update rejected", "reason", err.Error())
		api.writeJSON(ctx, w, r, status, errorResponse{Error: public.Error()})
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.writeJSON(ctx, w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		api.writeJSON(ctx, w, r, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	loc, err := content.ParseLocale(req.Locale)
	if err != nil {
		api.writeJSON(ctx, w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Content == nil {
		api.writeJSON(ctx, w, r, http.StatusBadRequest, errorResponse{Error: "content must be a JSON object"})
		return
	}

	doc, err := api.content.UpdateLocale(ctx, loc, req.Content)
	switch {
	case errors.Is(err, content.ErrMergeDepthExceeded), errors.Is(err, content.ErrUnsupportedLocale):
		api.writeJSON(ctx, w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, content.ErrOverridesTooLarge):
		api.logger.Warn(ctx, "content update would exceed the overrides size limit", "locale", string(loc))
		api.writeJSON(ctx, w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: "content overrides too large"})
		return
	case err != nil:
		api.logger.Error(ctx, err, "failed to update content", "locale", string(loc))
		api.writeJSON(ctx, w, r, http.StatusInternalServerError, errorResponse{Error: "failed to save content"})
		return
	}

	api.writeJSON(ctx, w, r, http.StatusOK, UpdateResponse{Locale: loc, Content: doc})
}

// writeJSON encodes v with an ETag so unchanged content revalidates with a 304
func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, r *http.Request, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	if status == http.StatusOK && r.Method == http.MethodGet {
		etag := cryptoutil.ETag(buf.Bytes())
		h.Set("ETag", etag)
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// etagMatches applies the weak comparison If-None-Match uses: any listed tag,
// W/ ignored, or "*"
func etagMatches(header, etag string) bool {
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" {
			return true
		}
		if cryptoutil.HashEqual(strings.TrimPrefix(tag, "W/"), etag) {
			return true
		}
	}
	return false
}
