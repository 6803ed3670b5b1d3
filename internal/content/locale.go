package content

import (
	"errors"
	"strings"
)

type Locale string

const (
	LocaleEN Locale = "en"
	LocaleES Locale = "es"

	DefaultLocale = LocaleEN
)

var ErrUnsupportedLocale = errors.New("unsupported locale")

// Locales lists every supported locale in a stable order
func Locales() []Locale { return []Locale{LocaleEN, LocaleES} }

func (l Locale) Valid() bool {
	return l == LocaleEN || l == LocaleES
}

// ParseLocale accepts "es", "ES" and region tags like "es-MX" or "en_US"
func ParseLocale(s string) (Locale, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexAny(s, "-_"); i > 0 {
		s = s[:i]
	}
	l := Locale(s)
	if !l.Valid() {
		return "", &LocaleError{Value: s}
	}
	return l, nil
}

// LocaleError names the rejected value, errors.Is matches ErrUnsupportedLocale
type LocaleError struct{ Value string }

func (e *LocaleError) Error() string { return "unsupported locale " + `"` + e.Value + `"` }
func (e *LocaleError) Unwrap() error { return ErrUnsupportedLocale }
