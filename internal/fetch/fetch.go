// Package fetch implements the Upstream Fetch (spec C3): a single HTTP GET
// against one upstream, streaming the body to a temp file and reporting a
// terminal outcome to a listener exactly once.
package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/idgen"
	"github.com/artifactmirror/artifactmirror/internal/metrics"
)

// totalTimeout is the overall deadline for one upstream fetch, spec'd at
// two minutes; expiration is treated as a transport failure.
const totalTimeout = 2 * time.Minute

// successStatuses are the header-received statuses that start a body
// stream. 3xx is left to the http.Client's own redirect following; this
// fetch never rewrites a redirect URL itself — see DESIGN.md's Open
// Question note.
var successStatuses = map[int]bool{
	http.StatusOK:               true,
	http.StatusNonAuthoritative: true,
}

// Listener receives exactly one terminal call per Start.
type Listener interface {
	// OnSuccess reports a 2xx response fully streamed to tempFile.
	// tempFile is not yet promoted into the Artifact Store; that is the
	// Race Coordinator's job, so a losing fetch's file can be discarded
	// cheaply without touching the store.
	OnSuccess(upstream string, tempFile string, status int, headers http.Header)

	// OnFail reports a terminal failure. err is always non-nil: errors.As
	// recovers an *errs.UpstreamHTTPError for a non-2xx response; anything
	// else wraps errs.ErrTransport (network/timeout/cancellation) or a
	// local I/O error from staging the temp file.
	OnFail(upstream string, err error)
}

// NewClient builds the http.Client used for every upstream fetch. Its
// Transport is tuned the way a proxy that talks to many distinct hosts
// should be: modest per-host idle pools and short dial/handshake timeouts.
func NewClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Handle lets the Race Coordinator cancel an in-flight fetch. Cancel is
// idempotent. It does not silence the Listener: net/http ties resp.Body's
// reads to the request's context, so a fetch whose request or body read
// is still in progress fails immediately and ends with one OnFail wrapping
// errs.ErrTransport (its temp file removed first). A fetch that has already
// read its whole body still reports OnSuccess.
type Handle struct {
	cancel context.CancelFunc
}

// Cancel aborts the fetch if it has not yet reached a terminal state.
func (h *Handle) Cancel() {
	h.cancel()
}

// Start issues a GET for upstream+path and streams the response to a temp
// file in tempDir, invoking exactly one of listener's methods when done.
// The returned Handle lets the caller cancel the fetch early.
func Start(ctx context.Context, client *http.Client, tempDir, upstream, path string, listener Listener) *Handle {
	fetchCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	handle := &Handle{cancel: cancel}

	go run(fetchCtx, cancel, client, tempDir, upstream, path, listener)

	return handle
}

func run(ctx context.Context, cancel context.CancelFunc, client *http.Client, tempDir, upstream, path string, listener Listener) {
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(upstream).Observe(time.Since(start).Seconds())
	}()

	url := joinUpstream(upstream, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		listener.OnFail(upstream, errs.Wrap(err, "building upstream request"))
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		listener.OnFail(upstream, errs.Wrapf(errs.ErrTransport, "%v", err))
		return
	}
	defer resp.Body.Close()

	if !successStatuses[resp.StatusCode] {
		// Covers >=400 responses and anything client.Do's redirect policy
		// didn't resolve to a final 2xx — both are terminal for this
		// upstream.
		listener.OnFail(upstream, errs.NewUpstreamHTTPError(resp.StatusCode))
		return
	}

	tmp, err := os.CreateTemp(tempDir, idgen.TempFileName("artifactmirror-fetch")+"-*")
	if err != nil {
		listener.OnFail(upstream, errs.Wrap(err, "creating temp file"))
		return
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		listener.OnFail(upstream, errs.Wrapf(errs.ErrTransport, "streaming response body: %v", err))
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		listener.OnFail(upstream, errs.Wrap(err, "closing temp file"))
		return
	}

	listener.OnSuccess(upstream, tmpName, resp.StatusCode, resp.Header.Clone())
}

func joinUpstream(base, path string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return base + "/" + path
}
