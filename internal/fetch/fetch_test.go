package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/artifactmirror/artifactmirror/internal/errs"
)

type recordingListener struct {
	mu       sync.Mutex
	success  bool
	fail     bool
	tempFile string
	status   int
	err      error
	headers  http.Header
	calls    int
}

func (r *recordingListener) OnSuccess(upstream, tempFile string, status int, headers http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.success = true
	r.tempFile = tempFile
	r.status = status
	r.headers = headers
}

func (r *recordingListener) OnFail(upstream string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.fail = true
	r.err = err
	var httpErr *errs.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		r.status = httpErr.Status
	}
}

func waitForCall(t *testing.T, l *recordingListener) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := l.calls
		l.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for listener callback")
}

func TestStartSuccessStreamsBodyToTempFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Wed, 21 Oct 2020 07:28:00 GMT")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	listener := &recordingListener{}
	handle := Start(context.Background(), NewClient(), t.TempDir(), srv.URL, "a/b/c.jar", listener)
	defer handle.Cancel()

	waitForCall(t, listener)

	if !listener.success {
		t.Fatalf("expected success, got fail with status %d", listener.status)
	}
	body, err := os.ReadFile(listener.tempFile)
	if err != nil {
		t.Fatalf("reading temp file: %v", err)
	}
	if string(body) != "0123456789" {
		t.Fatalf("expected streamed body, got %q", body)
	}
	if listener.headers.Get("Last-Modified") == "" {
		t.Fatal("expected Last-Modified header to be captured")
	}
	os.Remove(listener.tempFile)
}

func TestStartUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	listener := &recordingListener{}
	handle := Start(context.Background(), NewClient(), t.TempDir(), srv.URL, "missing.jar", listener)
	defer handle.Cancel()

	waitForCall(t, listener)

	if !listener.fail || listener.status != http.StatusNotFound {
		t.Fatalf("expected fail(404), got success=%v status=%d", listener.success, listener.status)
	}
	if !errors.Is(listener.err, errs.ErrUpstreamHTTP) {
		t.Fatalf("expected err to wrap errs.ErrUpstreamHTTP, got %v", listener.err)
	}
}

func TestCancelStopsSlowFetch(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("partial"))
		if flusher != nil {
			flusher.Flush()
		}
		<-unblock
	}))
	defer srv.Close()
	defer close(unblock)

	listener := &recordingListener{}
	handle := Start(context.Background(), NewClient(), t.TempDir(), srv.URL, "slow.jar", listener)

	time.Sleep(50 * time.Millisecond)
	handle.Cancel()

	waitForCall(t, listener)
	if !listener.fail {
		t.Fatal("expected cancellation to surface as a failure, not a late success")
	}
	if !errors.Is(listener.err, errs.ErrTransport) {
		t.Fatalf("expected cancellation to wrap errs.ErrTransport, got %v", listener.err)
	}
	if listener.tempFile != "" {
		if _, err := os.Stat(listener.tempFile); err == nil {
			t.Fatal("expected temp file to be cleaned up on cancel")
		}
	}
}

func TestSuccessStatusesAcceptNonAuthoritative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNonAuthoritative)
		io.WriteString(w, "cached-elsewhere")
	}))
	defer srv.Close()

	listener := &recordingListener{}
	handle := Start(context.Background(), NewClient(), t.TempDir(), srv.URL, "p", listener)
	defer handle.Cancel()

	waitForCall(t, listener)
	if !listener.success {
		t.Fatalf("expected 203 to be treated as success, got fail(%d)", listener.status)
	}
	os.Remove(listener.tempFile)
}
