// Package race implements the Race Coordinator (spec C4): for one artifact
// path it fans out one Upstream Fetch per configured upstream, keeps only
// the first success, cancels the rest, and promotes the winner into the
// Artifact Store.
package race

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/fetch"
	"github.com/artifactmirror/artifactmirror/internal/idgen"
	"github.com/artifactmirror/artifactmirror/internal/metrics"
	"github.com/artifactmirror/artifactmirror/internal/negcache"
	"github.com/artifactmirror/artifactmirror/internal/store"
)

// Receiver is resumed exactly once per Download call, no matter how the
// N upstream fetches interleave, unless the race is cancelled (through the
// caller's ctx or the returned cancelHook) before it settles; a cancelled
// race resumes no one.
type Receiver interface {
	// Receive reports a win: status is the winning upstream's HTTP
	// status, info/headers describe the now-published artifact.
	Receive(status int, info store.Info, headers http.Header)

	// Failed reports that every upstream failed. status is the last
	// failing upstream's status, or http.StatusNotFound if none was
	// obtained (e.g. every upstream was a transport error).
	Failed(status int)

	// FailedInternal reports a local error during promotion (the Store
	// write itself failed). message is propagated verbatim; the path is
	// deliberately NOT added to the negative cache, since the problem is
	// local rather than the artifact's availability.
	FailedInternal(status int, message string)
}

// Coordinator runs races for a fixed set of upstreams against a shared
// Store and negative cache.
type Coordinator struct {
	store   store.Store
	neg     *negcache.Cache
	client  *http.Client
	tempDir string
}

// New builds a Coordinator. tempDir is where in-flight fetch bodies are
// staged before promotion; the Store copies (FS) or uploads (S3, MinIO) the
// staged file on promotion, so tempDir need not share the Store's
// filesystem.
func New(s store.Store, neg *negcache.Cache, client *http.Client, tempDir string) *Coordinator {
	if client == nil {
		client = fetch.NewClient()
	}
	return &Coordinator{store: s, neg: neg, client: client, tempDir: tempDir}
}

// download is the per-call state the N fetch listeners close over. It is
// never shared across Download invocations.
type download struct {
	id        string
	path      string
	ctx       context.Context // the race's context; cancelled only by the caller
	receiver  Receiver
	store     store.Store
	neg       *negcache.Cache

	won       atomic.Bool
	settled   atomic.Bool // guards "receiver invoked at most once"
	remaining atomic.Int64

	mu      sync.Mutex
	futures map[string]*fetch.Handle

	lastFailStatus atomic.Int64
}

// Download fans out one Upstream Fetch per upstream for path, and returns
// immediately with a cancelHook the caller can invoke if the client goes
// away before the race concludes. receiver is resumed exactly once,
// asynchronously, unless the race is cancelled first.
func (c *Coordinator) Download(ctx context.Context, path string, upstreams []string, receiver Receiver) (cancelHook func()) {
	raceCtx, cancelAll := context.WithCancel(ctx)

	d := &download{
		id:       idgen.NextDownloadID(),
		path:     path,
		ctx:      raceCtx,
		receiver: receiver,
		store:    c.store,
		neg:      c.neg,
		futures:  make(map[string]*fetch.Handle, len(upstreams)),
	}
	d.remaining.Store(int64(len(upstreams)))
	d.lastFailStatus.Store(0)

	if len(upstreams) == 0 {
		d.finishAllFailed()
		cancelAll()
		return func() {}
	}

	var g errgroup.Group
	for _, upstream := range upstreams {
		upstream := upstream
		done := make(chan struct{})

		listener := &fetchListener{d: d, upstream: upstream, done: done}
		handle := fetch.Start(raceCtx, c.client, c.tempDir, upstream, path, listener)

		d.mu.Lock()
		if d.futures == nil {
			// A fetch already won and cancelled the others before this
			// one was registered; cancel it here instead.
			d.mu.Unlock()
			handle.Cancel()
		} else {
			d.futures[upstream] = handle
			d.mu.Unlock()
		}

		g.Go(func() error {
			<-done
			return nil
		})
	}

	go func() {
		g.Wait()
		slog.Debug("race complete", "download_id", d.id, "path", path, "won", d.won.Load())
	}()

	return func() {
		cancelAll()
	}
}

// fetchListener adapts one upstream's fetch.Listener callbacks back into
// the shared download's state machine.
type fetchListener struct {
	d        *download
	upstream string
	done     chan struct{}
}

func (l *fetchListener) OnSuccess(upstream, tempFile string, status int, headers http.Header) {
	defer close(l.done)
	l.d.onSuccess(upstream, tempFile, status, headers)
}

func (l *fetchListener) OnFail(upstream string, err error) {
	defer close(l.done)
	l.d.onFail(upstream, err)
}

func (d *download) onSuccess(upstream, tempFile string, status int, headers http.Header) {
	if !d.won.CompareAndSwap(false, true) {
		// Another fetch already won; this result is redundant.
		os.Remove(tempFile)
		return
	}

	d.cancelOthers(upstream)

	lastModified := parseLastModified(headers)
	info, err := d.store.PublishFile(context.Background(), d.path, tempFile, lastModified)
	if err != nil {
		os.Remove(tempFile)
		d.finishFailedInternal(errs.Wrap(err, "publishing artifact").Error())
		return
	}

	d.finishSuccess(status, info, headers)
}

func (d *download) onFail(upstream string, err error) {
	if d.won.Load() {
		return
	}

	status := 0
	var httpErr *errs.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Status
	}
	if status != 0 {
		d.lastFailStatus.Store(int64(status))
	}
	slog.Debug("upstream fetch failed", "download_id", d.id, "upstream", upstream, "error", err)

	d.mu.Lock()
	delete(d.futures, upstream)
	d.mu.Unlock()

	if d.remaining.Add(-1) == 0 {
		d.finishAllFailed()
	}
}

// cancelOthers cancels every fetch handle except the winner's.
func (d *download) cancelOthers(winner string) {
	d.mu.Lock()
	futures := d.futures
	d.futures = nil
	d.mu.Unlock()

	for upstream, handle := range futures {
		if upstream == winner {
			continue
		}
		handle.Cancel()
	}
}

func (d *download) finishSuccess(status int, info store.Info, headers http.Header) {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	metrics.RaceOutcomesTotal.WithLabelValues("win").Inc()
	d.receiver.Receive(status, info, headers)
}

func (d *download) finishFailedInternal(message string) {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	metrics.RaceOutcomesTotal.WithLabelValues("storage_error").Inc()
	d.receiver.FailedInternal(http.StatusInternalServerError, message)
}

func (d *download) finishAllFailed() {
	if !d.settled.CompareAndSwap(false, true) {
		return
	}
	if d.ctx.Err() != nil {
		// The caller cancelled the race (client disconnect): the fetches
		// were aborted, not refused, so the path is not marked failed and
		// no one is resumed.
		return
	}
	if d.neg != nil {
		d.neg.MarkFailed(d.path)
		metrics.NegativeCacheSize.Set(float64(d.neg.Len()))
	}
	metrics.RaceOutcomesTotal.WithLabelValues("all_failed").Inc()
	status := int(d.lastFailStatus.Load())
	if status == 0 {
		status = http.StatusNotFound
	}
	d.receiver.Failed(status)
}

// parseLastModified parses the upstream's Last-Modified header, rounded to
// whole seconds. The zero Time is returned when the header is absent or
// unparseable, signalling the Store to stamp wall-clock time instead.
func parseLastModified(headers http.Header) time.Time {
	raw := headers.Get("Last-Modified")
	if raw == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t.Truncate(time.Second)
}
