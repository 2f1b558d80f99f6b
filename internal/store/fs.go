package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/idgen"
)

// FSStore is the canonical Artifact Store backend: a directory tree rooted
// at root, one file per path, promoted by temp-file-plus-rename so readers
// never observe a partially-written file.
type FSStore struct {
	root string
}

// NewFSStore returns a Store rooted at root. root is created on first
// publish if it does not already exist.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: filepath.Clean(root)}
}

func (f *FSStore) dataPath(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

// Ping verifies the store root exists and is a directory, creating it if
// it's simply missing — the filesystem equivalent of the object-store
// backends' bucket-reachability check.
func (f *FSStore) Ping(_ context.Context) error {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return errs.Wrapf(errs.ErrStorage, "store root %q unreachable: %v", f.root, err)
	}
	return nil
}

// Find stats path's canonical file. A missing or unreadable file reports
// ok=false without returning an error, matching spec §4.1.
func (f *FSStore) Find(_ context.Context, path string) (Info, bool) {
	st, err := os.Stat(f.dataPath(path))
	if err != nil || st.IsDir() {
		return Info{}, false
	}
	return Info{Size: st.Size(), ModTime: st.ModTime().Truncate(time.Second)}, true
}

// Open opens path's canonical file. The returned *os.File implements
// io.ReadSeeker, enabling the HTTP layer's zero-copy path.
func (f *FSStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	file, err := os.Open(f.dataPath(path))
	if err != nil {
		return nil, errs.Wrap(err, "opening cached artifact")
	}
	return file, nil
}

// PublishFile copies srcPath's contents into path's canonical location via
// a temp file in the same directory plus rename, then removes srcPath and
// sets the final file's mtime to lastModified (or now, if zero).
func (f *FSStore) PublishFile(_ context.Context, path, srcPath string, lastModified time.Time) (Info, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "opening publish source: %v", err)
	}
	defer src.Close()

	info, err := f.publishReader(path, src, lastModified)
	if err != nil {
		return Info{}, err
	}
	os.Remove(srcPath)
	return info, nil
}

// PublishBuffer is PublishFile's in-memory variant.
func (f *FSStore) PublishBuffer(_ context.Context, path string, data []byte, lastModified time.Time) (Info, error) {
	return f.publishReader(path, bytes.NewReader(data), lastModified)
}

func (f *FSStore) publishReader(path string, r io.Reader, lastModified time.Time) (Info, error) {
	dst := f.dataPath(path)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "creating artifact directory: %v", err)
	}

	size, err := atomicWrite(dst, dir, r)
	if err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "publishing artifact: %v", err)
	}

	mtime := lastModified.Truncate(time.Second)
	if mtime.IsZero() {
		mtime = idgen.Now()
	}
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		return Info{}, errs.Wrapf(errs.ErrStorage, "setting mtime: %v", err)
	}

	return Info{Size: size, ModTime: mtime}, nil
}

// atomicWrite writes r into a temp file inside dir, then renames it onto
// dst. Either the old dst (or absence) or the fully-written new file is
// ever observable to a concurrent reader; if two publishes race, the last
// rename wins and both files involved are individually well-formed.
func atomicWrite(dst, dir string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

