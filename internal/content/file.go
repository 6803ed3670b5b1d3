package content

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/portfolio-web/internal/log"
	"github.com/keithlinneman/portfolio-web/internal/xerrors"
)

type FileStoreOptions struct {
	Logger log.Logger

	// Dir holds FileName, created on first use
	Dir string

	// FallbackDir takes over for the rest of the process when Dir turns out to be
	// read-only. Defaults to $TMPDIR/portfolio-web.
	FallbackDir string

	// Fs and FallbackFs default to the OS filesystem
	Fs         afero.Fs
	FallbackFs afero.Fs

	// OnRecover is called with RecoverMissing or RecoverCorrupt when the document is recreated
	OnRecover func(reason string)
	// OnFallback is called once with the fallback path when the store switches over
	OnFallback func(path string)
}

// location is one place the document can live
type location struct {
	fs       afero.Fs
	path     string
	fallback bool
}

// FileStore keeps the override document as pretty-printed JSON in one file.
// Safe for concurrent use within a process, nothing coordinates between processes.
type FileStore struct {
	logger     log.Logger
	onRecover  func(string)
	onFallback func(string)

	fallbackFs  afero.Fs
	fallbackDir string

	mu     sync.RWMutex
	active location

	// collapses concurrent first-use initialization per path
	init singleflight.Group
	// number of times this store created the document, exposed for tests
	created atomic.Int64
}

var _ Store = (*FileStore)(nil)

func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, xerrors.New("content: Dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.FallbackFs == nil {
		opts.FallbackFs = opts.Fs
	}
	if opts.FallbackDir == "" {
		opts.FallbackDir = filepath.Join(os.TempDir(), "portfolio-web")
	}
	return &FileStore{
		logger:      opts.Logger,
		onRecover:   opts.OnRecover,
		onFallback:  opts.OnFallback,
		fallbackFs:  opts.FallbackFs,
		fallbackDir: opts.FallbackDir,
		active:      location{fs: opts.Fs, path: filepath.Join(opts.Dir, FileName)},
	}, nil
}

// Path is the file currently read and written
func (s *FileStore) Path() string { return s.location().path }

// UsingFallback reports whether the store moved to the fallback directory
func (s *FileStore) UsingFallback() bool { return s.location().fallback }

func (s *FileStore) location() location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *FileStore) ReadOverrides(ctx context.Context) (Overrides, error) {
	loc := s.location()
	o, err := s.readAt(ctx, loc)
	if err != nil && !loc.fallback && isReadOnly(err) {
		if err := s.useFallback(ctx, loc, err); err != nil {
			return nil, err
		}
		return s.readAt(ctx, s.location())
	}
	return o, err
}

func (s *FileStore) WriteOverrides(ctx context.Context, o Overrides) error {
	loc := s.location()
	err := s.writeAt(loc, o)
	if err != nil && !loc.fallback && isReadOnly(err) {
		if err := s.useFallback(ctx, loc, err); err != nil {
			return err
		}
		return s.writeAt(s.location(), o)
	}
	return err
}

func (s *FileStore) readAt(ctx context.Context, loc location) (Overrides, error) {
	if err := s.ensure(ctx, loc); err != nil {
		return nil, err
	}
	b, err := afero.ReadFile(loc.fs, loc.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read content overrides %s", loc.path)
	}
	o, err := decodeOverrides(b)
	if err != nil {
		s.logger.Warn(ctx, "content overrides file is corrupt, resetting to empty",
			"path", loc.path,
			"error", err,
		)
		if err := s.writeAt(loc, Overrides{}); err != nil {
			return nil, err
		}
		s.recovered(RecoverCorrupt)
		return Overrides{}, nil
	}
	return o, nil
}

// ensure creates the directory and an empty document if the file doesn't exist.
// Concurrent callers share one attempt, and O_EXCL keeps a second creator from
// truncating a file someone else just wrote.
func (s *FileStore) ensure(ctx context.Context, loc location) error {
	_, err, _ := s.init.Do(loc.path, func() (any, error) {
		if _, err := loc.fs.Stat(loc.path); err == nil {
			return nil, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.Wrapf(err, "stat content overrides %s", loc.path)
		}

		dir := filepath.Dir(loc.path)
		if err := loc.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrapf(err, "create content dir %s", dir)
		}
		f, err := loc.fs.OpenFile(loc.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		if err != nil {
			return nil, xerrors.Wrapf(err, "create content overrides %s", loc.path)
		}
		_, werr := f.Write(emptyDocument)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, xerrors.Wrapf(werr, "write content overrides %s", loc.path)
		}

		s.created.Add(1)
		s.logger.Info(ctx, "created empty content overrides file", "path", loc.path)
		s.recovered(RecoverMissing)
		return nil, nil
	})
	return err
}

// writeAt replaces the document through a temp file + rename so readers never see a partial write
func (s *FileStore) writeAt(loc location, o Overrides) error {
	b, err := encodeOverrides(o)
	if err != nil {
		return xerrors.Wrap(err, "encode content overrides")
	}
	dir := filepath.Dir(loc.path)
	if err := loc.fs.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create content dir %s", dir)
	}
	tmp, err := afero.TempFile(loc.fs, dir, "."+FileName+"-*")
	if err != nil {
		return xerrors.Wrapf(err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(b)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = loc.fs.Remove(tmpName)
		return xerrors.Wrapf(werr, "write temp file %s", tmpName)
	}
	if err := loc.fs.Rename(tmpName, loc.path); err != nil {
		_ = loc.fs.Remove(tmpName)
		return xerrors.Wrapf(err, "replace content overrides %s", loc.path)
	}
	return nil
}

// useFallback moves the store to the fallback directory for the rest of the process.
// The fallback is seeded with whatever valid document the primary still has, unless
// a previous run already left one there.
func (s *FileStore) useFallback(ctx context.Context, from location, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.fallback {
		return nil
	}

	fb := location{fs: s.fallbackFs, path: filepath.Join(s.fallbackDir, FileName), fallback: true}
	if _, err := fb.fs.Stat(fb.path); errors.Is(err, fs.ErrNotExist) {
		if b, err := afero.ReadFile(from.fs, from.path); err == nil {
			if o, err := decodeOverrides(b); err == nil {
				if err := s.writeAt(fb, o); err != nil {
					return xerrors.Wrapf(err, "seed fallback content overrides (primary failed: %v)", cause)
				}
			}
		}
	}

	s.active = fb
	s.logger.Warn(ctx, "content data dir is read-only, using fallback location until restart",
		"primary", from.path,
		"fallback", fb.path,
		"error", cause,
	)
	if s.onFallback != nil {
		s.onFallback(fb.path)
	}
	return nil
}

func (s *FileStore) recovered(reason string) {
	if s.onRecover != nil {
		s.onRecover(reason)
	}
}
