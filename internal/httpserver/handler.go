// Package httpserver is the HTTP surface of the Request Bridge (spec C5):
// it turns client GET/HEAD requests into cache hits, negative-cache 404s,
// or suspended races, and wires the client-disconnect Cancellation Hook
// (C7) onto whichever path was taken.
package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/artifactmirror/artifactmirror/internal/bridge"
	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/metrics"
	"github.com/artifactmirror/artifactmirror/internal/negcache"
	"github.com/artifactmirror/artifactmirror/internal/store"
)

// Handler serves the artifact-proxy HTTP surface described in spec.md §6.
type Handler struct {
	Store  store.Store
	Neg    *negcache.Cache
	Bridge *bridge.Bridge
}

// New wraps h with the access-log middleware, following the same
// middleware-wrapping convention used in this module's main.go.
func New(h *Handler) http.Handler {
	return loggingMiddleware(h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		metrics.CacheRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}

	if r.URL.Query().Get("browse") == "true" || r.URL.Query().Get("index") == "true" {
		http.NotFound(w, r)
		metrics.CacheRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}

	artifactPath, ok := normalizePath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid path", http.StatusBadRequest)
		metrics.CacheRequestsTotal.WithLabelValues("rejected").Inc()
		return
	}

	if info, found := h.Store.Find(r.Context(), artifactPath); found {
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
		h.serveCacheHit(w, r, artifactPath, info)
		return
	}

	if h.Neg.IsFailed(artifactPath) {
		http.NotFound(w, r)
		metrics.CacheRequestsTotal.WithLabelValues("miss_fail").Inc()
		return
	}

	h.serveMiss(w, r, artifactPath)
}

// normalizePath maps a request URL path onto the canonical artifact path
// form (no leading slash), rejecting any ".." segment per spec.md §3/§6.
func normalizePath(urlPath string) (string, bool) {
	p := strings.TrimPrefix(urlPath, "/")
	if p == "" {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	return path.Clean(p), true
}

func (h *Handler) serveCacheHit(w http.ResponseWriter, r *http.Request, artifactPath string, info store.Info) {
	w.Header().Set("Content-Type", contentTypeFor(artifactPath))
	w.Header().Set("Cache-Control", "public, must-revalidate")
	w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !info.ModTime.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	if redirector, ok := h.Store.(store.Redirector); ok {
		if url, _, err := redirector.RedirectURL(r.Context(), artifactPath); err == nil {
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		}
		// Presign failed (or the backend can't produce one for this
		// object); fall through to streaming through the proxy.
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := h.Store.Open(r.Context(), artifactPath)
	if err != nil {
		http.Error(w, "internal storage error", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	if seeker, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", info.ModTime, seeker)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

func (h *Handler) serveMiss(w http.ResponseWriter, r *http.Request, artifactPath string) {
	resume, cancelHook := h.Bridge.Suspend(r.Context(), artifactPath)

	resume.Wait(r.Context().Done())

	status, info, _, message, kind, ok := resume.Outcome()
	if !ok {
		// The client's own context ended the wait before the race
		// settled (disconnect or server shutdown). Cancel whatever is
		// still in flight and give up; there is no one left to write
		// a response to.
		slog.DebugContext(r.Context(), "miss abandoned", "path", artifactPath,
			"error", errs.Wrap(errs.ErrClientDisconnected, "context ended before race settled"))
		cancelHook()
		return
	}

	switch kind {
	case bridge.OutcomeReceive:
		metrics.CacheRequestsTotal.WithLabelValues("miss_win").Inc()
		w.Header().Set("Content-Type", contentTypeFor(artifactPath))
		w.Header().Set("Cache-Control", "public, must-revalidate")
		w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))

		if redirector, ok := h.Store.(store.Redirector); ok {
			if url, _, err := redirector.RedirectURL(r.Context(), artifactPath); err == nil {
				http.Redirect(w, r, url, http.StatusTemporaryRedirect)
				return
			}
		}

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
			w.WriteHeader(status)
			return
		}
		body, err := h.Store.Open(r.Context(), artifactPath)
		if err != nil {
			http.Error(w, "internal storage error", http.StatusInternalServerError)
			return
		}
		defer body.Close()
		if seeker, ok := body.(io.ReadSeeker); ok {
			http.ServeContent(w, r, "", info.ModTime, seeker)
			return
		}
		w.WriteHeader(status)
		io.Copy(w, body)

	case bridge.OutcomeFailed:
		metrics.CacheRequestsTotal.WithLabelValues("miss_fail").Inc()
		if status == 0 {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)

	case bridge.OutcomeFailedInternal:
		metrics.CacheRequestsTotal.WithLabelValues("miss_fail").Inc()
		http.Error(w, message, status)

	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
