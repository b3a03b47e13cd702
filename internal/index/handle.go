package index

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Well-known files inside a mirror directory.
const (
	archiveTar       = "00-index.tar"
	archiveTarGz     = "00-index.tar.gz"
	archiveTarGzTmp  = "00-index.tar.gz.tmp"
	archiveTarGzEtag = "00-index.tar.gz.etag"
)

// Handle is a reference to a directory believed to hold a synchronized
// mirror. A Handle is only constructed after the directory has been
// confirmed to exist; it carries no cached contents, only the path.
type Handle struct {
	dir string
}

// Dir returns the mirror directory of the Handle.
func (h *Handle) Dir() string {
	return h.dir
}

// ArchivePath returns the path of the uncompressed index archive that
// queries stream.
func (h *Handle) ArchivePath() string {
	return filepath.Join(h.dir, archiveTar)
}

// TryGetHandle returns a handle iff dir exists as a directory at call time.
// It has no side effects and caches nothing across calls.
func TryGetHandle(dir string) (*Handle, bool) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, false
	}
	return &Handle{dir: filepath.Clean(dir)}, true
}

// EnsureHandle returns a handle for dir, running synchronization first when
// no mirror exists there yet.
//
// The returned Handle is non-nil even when the refresh failed: the mirror
// directory is created independently of refresh success, so callers must not
// assume a handle implies a populated, queryable archive. Only the inability
// to create the directory itself yields a nil Handle.
func EnsureHandle(ctx context.Context, dir string, syncer Syncer) (*Handle, error) {
	if h, ok := TryGetHandle(dir); ok {
		return h, nil
	}

	syncErr := syncer.Sync(ctx)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "EnsureHandle: "+dir)
	}
	return &Handle{dir: filepath.Clean(dir)}, syncErr
}
