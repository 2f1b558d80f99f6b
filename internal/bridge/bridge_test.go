package bridge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/artifactmirror/artifactmirror/internal/race"
	"github.com/artifactmirror/artifactmirror/internal/store"
)

type fakeCoordinator struct {
	calls     int
	onStart   func(path string, receiver race.Receiver)
	cancelled bool
}

func (f *fakeCoordinator) Download(ctx context.Context, path string, upstreams []string, receiver race.Receiver) func() {
	f.calls++
	if f.onStart != nil {
		go f.onStart(path, receiver)
	}
	return func() { f.cancelled = true }
}

func TestResumeFiresExactlyOnce(t *testing.T) {
	r := NewResume()
	r.Receive(http.StatusOK, store.Info{Size: 1}, http.Header{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second resume to panic")
		}
	}()
	r.Failed(http.StatusNotFound)
}

func TestSuspendWithoutCoalescingReturnsRealCancelHook(t *testing.T) {
	fc := &fakeCoordinator{onStart: func(path string, receiver race.Receiver) {
		receiver.Receive(http.StatusOK, store.Info{Size: 5}, http.Header{})
	}}
	b := New(fc, []string{"http://a"}, false)

	resume, cancelHook := b.Suspend(context.Background(), "p")
	resume.Wait(context.Background().Done())

	status, info, _, _, kind, ok := resume.Outcome()
	if !ok || kind != OutcomeReceive || status != http.StatusOK || info.Size != 5 {
		t.Fatalf("unexpected outcome: ok=%v kind=%v status=%d info=%+v", ok, kind, status, info)
	}

	cancelHook()
	if !fc.cancelled {
		t.Fatal("expected the coordinator's real cancel hook to be invoked")
	}
}

func TestSuspendCoalescesConcurrentMissesForSamePath(t *testing.T) {
	started := make(chan struct{})
	fc := &fakeCoordinator{onStart: func(path string, receiver race.Receiver) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		receiver.Receive(http.StatusOK, store.Info{Size: 9}, http.Header{})
	}}
	b := New(fc, []string{"http://a"}, true)

	// Suspend now blocks (on the shared Resume's done channel) until the
	// race settles, so the two callers have to actually overlap in time to
	// exercise coalescing: the second one must arrive while the first is
	// still inside group.Do, not after it returns.
	type result struct {
		resume *Resume
		hook   func()
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, h := b.Suspend(context.Background(), "shared.jar")
			results <- result{r, h}
		}()
	}
	<-started

	r1 := <-results
	r2 := <-results

	if r1.resume != r2.resume {
		t.Fatal("expected both callers to share one Resume")
	}
	if fc.calls != 1 {
		t.Fatalf("expected exactly one Download call, got %d", fc.calls)
	}

	r1.hook()
	r2.hook()
	if fc.cancelled {
		t.Fatal("a coalesced caller's disconnect must not cancel the shared race")
	}
}

func TestWaitUnblocksOnContextCancelBeforeRaceSettles(t *testing.T) {
	fc := &fakeCoordinator{} // never calls receiver
	b := New(fc, []string{"http://a"}, false)

	ctx, cancel := context.WithCancel(context.Background())
	resume, _ := b.Suspend(ctx, "slow.jar")

	cancel()
	resume.Wait(ctx.Done())

	if _, _, _, _, _, ok := resume.Outcome(); ok {
		t.Fatal("expected no settled outcome when the caller's context was cancelled first")
	}
}
