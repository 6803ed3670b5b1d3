package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

// defaults/ holds one <locale>.json per supported locale
//
//go:embed defaults/*.json
var embedded embed.FS

// DefaultsFS is the compiled-in landing content, one <locale>.json per locale
func DefaultsFS() fs.FS {
	sub, err := fs.Sub(embedded, "defaults")
	if err != nil {
		panic(fmt.Errorf("webassets: defaults subfs: %w", err))
	}
	return sub
}

// DefaultContent returns the raw default document for locale
func DefaultContent(locale string) ([]byte, error) {
	b, err := fs.ReadFile(DefaultsFS(), locale+".json")
	if err != nil {
		return nil, fmt.Errorf("webassets: no default content for locale %q: %w", locale, err)
	}
	return b, nil
}
