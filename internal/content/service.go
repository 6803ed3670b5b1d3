package content

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

// Service answers content reads and applies updates on top of a Store
type Service struct {
	store  Store
	logger log.Logger
	tracer trace.Tracer

	// updates are read-modify-write, serialize them within the process
	mu sync.Mutex

	onUpdate func(locale Locale, err error)
}

type ServiceOption func(*Service)

func WithServiceLogger(l log.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOnUpdate is called after every update attempt, err is nil on success
func WithOnUpdate(fn func(locale Locale, err error)) ServiceOption {
	return func(s *Service) { s.onUpdate = fn }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: log.Nop(),
		tracer: otel.Tracer("portfolio/content"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) read(ctx context.Context) (Overrides, error) {
	ctx, span := s.tracer.Start(ctx, "content.read_overrides")
	defer span.End()
	o, err := s.store.ReadOverrides(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read overrides failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("content.override_locales", len(o)))
	return o, nil
}

func (s *Service) write(ctx context.Context, o Overrides) error {
	ctx, span := s.tracer.Start(ctx, "content.write_overrides")
	defer span.End()
	if err := s.store.WriteOverrides(ctx, o); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write overrides failed")
		return err
	}
	return nil
}

// LandingContent is the effective document for one locale
func (s *Service) LandingContent(ctx context.Context, locale Locale) (Document, error) {
	if !locale.Valid() {
		return nil, &LocaleError{Value: string(locale)}
	}
	o, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return MergeWithDefaults(locale, o[locale])
}

// AllLandingContent is every locale's effective document from a single read
func (s *Service) AllLandingContent(ctx context.Context) (map[Locale]Document, error) {
	o, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Locale]Document, len(Locales()))
	for _, l := range Locales() {
		d, err := MergeWithDefaults(l, o[l])
		if err != nil {
			return nil, xerrors.Wrapf(err, "merge %s content", l)
		}
		out[l] = d
	}
	return out, nil
}

// UpdateLocale merges patch into the stored overrides for locale, persists them
// and returns the new effective document. A patch that fails to merge leaves the
// store untouched.
func (s *Service) UpdateLocale(ctx context.Context, locale Locale, patch Document) (doc Document, err error) {
	defer func() {
		if s.onUpdate != nil {
			s.onUpdate(locale, err)
		}
	}()
	if !locale.Valid() {
		return nil, &LocaleError{Value: string(locale)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = Overrides{}
	}
	merged, err := DeepMerge(o[locale], patch)
	if err != nil {
		return nil, err
	}
	next, _ := merged.(map[string]any)
	if next == nil {
		next = Document{}
	}
	doc, err = MergeWithDefaults(locale, next)
	if err != nil {
		return nil, err
	}

	o[locale] = next
	if err := s.write(ctx, o); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "content overrides updated", "locale", string(locale), "fields", len(patch))
	return doc, nil
}

// Check is a readiness probe, the store must be readable
func (s *Service) Check(ctx context.Context) error {
	_, err := s.store.ReadOverrides(ctx)
	return err
}
