package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artifactmirror/artifactmirror/internal/bridge"
	"github.com/artifactmirror/artifactmirror/internal/negcache"
	"github.com/artifactmirror/artifactmirror/internal/race"
	"github.com/artifactmirror/artifactmirror/internal/store"
)

type fakeCoordinator struct {
	respond func(receiver race.Receiver)
}

func (f *fakeCoordinator) Download(ctx context.Context, path string, upstreams []string, receiver race.Receiver) func() {
	go f.respond(receiver)
	return func() {}
}

func newHandler(t *testing.T, fc *fakeCoordinator) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	s := store.NewFSStore(dir)
	neg := negcache.New(time.Minute)
	var b *bridge.Bridge
	if fc != nil {
		b = bridge.New(fc, nil, false)
	}
	return &Handler{Store: s, Neg: neg, Bridge: b}, dir
}

func TestRejectsDotDotPath(t *testing.T) {
	h, _ := newHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/../secret", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRejectsEmptyPath(t *testing.T) {
	h, _ := newHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBrowseQueryParamDeclines(t *testing.T) {
	h, _ := newHandler(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/some/path?browse=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 passthrough decline, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newHandler(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/a.jar", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestConditionalGetReturns304OnEqualModTime(t *testing.T) {
	h, dir := newHandler(t, nil)
	mtime := time.Date(2020, 10, 21, 7, 28, 0, 0, time.UTC)
	info, err := store.NewFSStore(dir).PublishBuffer(context.Background(), "p.jar", []byte("x"), mtime)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/p.jar", nil)
	req.Header.Set("If-Modified-Since", info.ModTime.UTC().Format(http.TimeFormat))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("expected no body on 304")
	}
}

func TestHeadOnCacheHitHasNoBodyButHasContentLength(t *testing.T) {
	h, dir := newHandler(t, nil)
	_, err := store.NewFSStore(dir).PublishBuffer(context.Background(), "p.jar", []byte("0123456789"), time.Time{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	req := httptest.NewRequest(http.MethodHead, "/p.jar", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("expected no body on HEAD")
	}
	if rec.Header().Get("Content-Length") != "10" {
		t.Fatalf("expected Content-Length 10, got %q", rec.Header().Get("Content-Length"))
	}
}

func TestCacheHitServesContentTypeByExtension(t *testing.T) {
	h, dir := newHandler(t, nil)
	_, err := store.NewFSStore(dir).PublishBuffer(context.Background(), "a/b.pom", []byte("<project/>"), time.Time{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/a/b.pom", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/xml; charset=utf-8" {
		t.Fatalf("unexpected content type: %q", rec.Header().Get("Content-Type"))
	}
}

func TestCacheMissSuccessfulRaceServesArtifact(t *testing.T) {
	var fsStore *store.FSStore
	fc := &fakeCoordinator{respond: func(receiver race.Receiver) {
		// A real race coordinator publishes the winning body before
		// resuming the receiver; mirror that ordering here.
		info, err := fsStore.PublishBuffer(context.Background(), "miss.jar", []byte("xyz1"), time.Time{})
		if err != nil {
			t.Errorf("publish: %v", err)
			return
		}
		receiver.Receive(http.StatusOK, info, http.Header{})
	}}
	h, dir := newHandler(t, fc)
	fsStore = store.NewFSStore(dir)

	req := httptest.NewRequest(http.MethodGet, "/miss.jar", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCacheMissAllUpstreamsFailServes404(t *testing.T) {
	fc := &fakeCoordinator{respond: func(receiver race.Receiver) {
		receiver.Failed(0)
	}}
	h, _ := newHandler(t, fc)

	req := httptest.NewRequest(http.MethodGet, "/gone.jar", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestNegativeCacheShortCircuitsWithoutStartingARace(t *testing.T) {
	fc := &fakeCoordinator{respond: func(receiver race.Receiver) {
		t.Fatal("expected negative cache hit to short-circuit before starting a race")
	}}
	h, _ := newHandler(t, fc)
	h.Neg.MarkFailed("known-bad.jar")

	req := httptest.NewRequest(http.MethodGet, "/known-bad.jar", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
