package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"syscall"
)

// FileName is the override document name, on disk and as the default S3 key suffix
const FileName = "content-overrides.json"

// Overrides is the persisted document: one partial landing document per locale.
// A locale without a key has no overrides.
type Overrides map[Locale]Document

// Store persists the override document
type Store interface {
	// ReadOverrides never fails on a missing or corrupt document, both come back empty
	ReadOverrides(ctx context.Context) (Overrides, error)
	// WriteOverrides replaces the whole document, last writer wins
	WriteOverrides(ctx context.Context, o Overrides) error
}

// recovery reasons reported to OnRecover hooks
const (
	RecoverMissing = "missing"
	RecoverCorrupt = "corrupt"
)

var emptyDocument = []byte("{}\n")

func decodeOverrides(b []byte) (Overrides, error) {
	var o Overrides
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, err
	}
	if o == nil {
		// literal null
		o = Overrides{}
	}
	return o, nil
}

func encodeOverrides(o Overrides) ([]byte, error) {
	if o == nil {
		o = Overrides{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// isReadOnly matches the errors a read-only or locked-down data directory produces
func isReadOnly(err error) bool {
	return errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPERM)
}
