// Package store implements the Artifact Store (spec C1): a path-keyed local
// cache of artifact bytes with atomic publish. The canonical backend is the
// filesystem (FSStore); S3Store and MinioStore back the same interface for
// operators who want the cache tier centralized rather than local to each
// proxy instance.
package store

import (
	"context"
	"io"
	"time"
)

// Info is the metadata half of an artifact record: size and last-modified
// time. Last-modified is the upstream's Last-Modified header rounded to
// whole seconds, or wall-clock time at publish when the header was absent.
type Info struct {
	Size    int64
	ModTime time.Time
}

// Store maps artifact paths to cached bytes. Find never returns an error —
// a missing or unreadable path simply reports ok=false, per spec §4.1.
// Publish is atomic: a concurrent reader sees either the previous file (or
// absence) or the fully-written new one, never a partial one.
type Store interface {
	// Find reports whether path is cached, along with its Info. It never
	// reads the artifact body: FSStore does a single stat, and the object
	// store backends read only the path's small meta sidecar.
	Find(ctx context.Context, path string) (Info, bool)

	// Open returns a reader for path's cached body. Callers that need
	// zero-copy / Range support should type-assert the result to
	// io.ReadSeeker, as the FS backend's *os.File supports it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// PublishFile atomically places the contents of the local file at
	// srcPath at path's canonical location: FS copies them into place
	// through its own same-directory temp file and rename, S3 and MinIO
	// upload them. srcPath is removed once the publish succeeds; on error
	// it is left for the caller to remove. If lastModified is the zero
	// Time, the backend stamps the record with the current wall-clock
	// time instead.
	PublishFile(ctx context.Context, path, srcPath string, lastModified time.Time) (Info, error)

	// PublishBuffer is PublishFile's in-memory-body variant, with
	// identical atomicity and timestamp semantics.
	PublishBuffer(ctx context.Context, path string, data []byte, lastModified time.Time) (Info, error)
}

// Redirector is an optional capability a Store backend may implement to let
// the HTTP layer redirect clients directly to the backing object store
// (e.g. a presigned S3 URL) instead of streaming bytes through the proxy.
type Redirector interface {
	RedirectURL(ctx context.Context, path string) (url string, info Info, err error)
}

// Pinger is an optional capability used by the /healthz endpoint to verify
// the backend is reachable without touching any particular artifact.
type Pinger interface {
	Ping(ctx context.Context) error
}
