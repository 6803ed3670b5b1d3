package content

import (
	"encoding/json"

	"github.com/keithlinneman/portfolio-web/internal/webassets"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

// Defaults decodes the compiled-in landing content for locale. Every call returns a
// fresh copy, callers may modify it.
func Defaults(locale Locale) (Document, error) {
	if !locale.Valid() {
		return nil, &LocaleError{Value: string(locale)}
	}
	b, err := webassets.DefaultContent(string(locale))
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, xerrors.Wrapf(err, "decode default content for %s", locale)
	}
	return d, nil
}
