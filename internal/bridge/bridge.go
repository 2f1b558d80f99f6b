// Package bridge implements the Request Bridge (spec C5): it suspends an
// HTTP request until the Race Coordinator resumes it, and guarantees that
// resumption happens at most once even though the coordinator's callbacks
// and a client-disconnect cancellation can race each other.
package bridge

import (
	"context"
	"net/http"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/artifactmirror/artifactmirror/internal/errs"
	"github.com/artifactmirror/artifactmirror/internal/race"
	"github.com/artifactmirror/artifactmirror/internal/store"
)

// Resume is what race.Receiver delivers into. At most one of its three
// methods fires, at most once, for the race it is handed to (coalesced
// Suspend calls share one Resume); none fires if that race is cancelled
// before it settles.
type Resume struct {
	done     chan struct{}
	resumed  atomic.Bool
	status   int
	info     store.Info
	headers  http.Header
	message  string
	outcome  outcomeKind
}

type outcomeKind int

const (
	outcomeReceive outcomeKind = iota
	outcomeFailed
	outcomeFailedInternal
)

// NewResume allocates a fresh at-most-once resume point.
func NewResume() *Resume {
	return &Resume{done: make(chan struct{})}
}

// fire is the single place that enforces "exactly once." A second call is
// a programming error — the coordinator's own settled flag should have
// already prevented this, so reaching it here means that guarantee broke
// down and must fail loudly rather than be logged and ignored.
func (r *Resume) fire() {
	if !r.resumed.CompareAndSwap(false, true) {
		panic(errs.ErrDoubleResume)
	}
	close(r.done)
}

// Receive implements race.Receiver.
func (r *Resume) Receive(status int, info store.Info, headers http.Header) {
	r.status, r.info, r.headers, r.outcome = status, info, headers, outcomeReceive
	r.fire()
}

// Failed implements race.Receiver.
func (r *Resume) Failed(status int) {
	r.status, r.outcome = status, outcomeFailed
	r.fire()
}

// FailedInternal implements race.Receiver.
func (r *Resume) FailedInternal(status int, message string) {
	r.status, r.message, r.outcome = status, message, outcomeFailedInternal
	r.fire()
}

var _ race.Receiver = (*Resume)(nil)

// Wait blocks until the race settles or done is closed, whichever comes
// first. The caller (the HTTP handler) is expected to pass the request
// context's Done channel, so a client disconnect unblocks Wait even though
// the race itself may still be running in the background. A nil done
// waits for the race alone.
func (r *Resume) Wait(done <-chan struct{}) {
	select {
	case <-r.done:
	case <-done:
	}
}

// Settled reports whether a terminal outcome has already arrived.
func (r *Resume) Settled() bool {
	return r.resumed.Load()
}

// Outcome describes the terminal state Wait returned with. ok is false if
// the race had not yet settled (the caller's context was cancelled first).
func (r *Resume) Outcome() (status int, info store.Info, headers http.Header, message string, kind OutcomeKind, ok bool) {
	if !r.resumed.Load() {
		return 0, store.Info{}, nil, "", 0, false
	}
	return r.status, r.info, r.headers, r.message, OutcomeKind(r.outcome), true
}

// OutcomeKind is the exported form of outcomeKind, returned by Outcome.
type OutcomeKind = outcomeKind

const (
	OutcomeReceive       = outcomeReceive
	OutcomeFailed        = outcomeFailed
	OutcomeFailedInternal = outcomeFailedInternal
)

// Downloader is the subset of race.Coordinator the bridge depends on, so
// tests can substitute a fake.
type Downloader interface {
	Download(ctx context.Context, path string, upstreams []string, receiver race.Receiver) (cancelHook func())
}

// Bridge drives C4 on behalf of cache-miss requests, optionally coalescing
// concurrent misses for the same path via singleflight.
type Bridge struct {
	coordinator    Downloader
	upstreams      []string
	coalesceMisses bool
	group          singleflight.Group
}

// New builds a Bridge. coalesceMisses gates the singleflight fast path;
// spec.md leaves concurrent-miss coalescing as an Open Question the
// default implementation does not require, so it defaults to off.
func New(coordinator Downloader, upstreams []string, coalesceMisses bool) *Bridge {
	return &Bridge{coordinator: coordinator, upstreams: upstreams, coalesceMisses: coalesceMisses}
}

// Suspend starts (or, if coalescing is enabled and a race for path is
// already in flight, joins) a download and returns a Resume the caller
// waits on, plus a cancelHook to attach to the request's disconnect
// notification.
//
// When coalescing is on, every caller for the same path shares one Resume,
// so cancelHook is a no-op and the shared race runs under a context that
// the first caller's cancellation does not reach: one subscriber
// disconnecting must not abort the race for every other subscriber still
// waiting on it. Without
// coalescing there is exactly one subscriber, and its cancelHook is the
// coordinator's real one.
//
// Download itself returns immediately, so group.Do's function has to block
// on something for singleflight.Group to actually have a window in which
// concurrent callers coalesce — otherwise every caller would race to start
// its own download before the first one even registers. Blocking on the
// shared Resume's done channel gives that window: any request arriving
// while the race is still in flight joins the same Resume instead of
// starting a second one.
func (b *Bridge) Suspend(ctx context.Context, path string) (resume *Resume, cancelHook func()) {
	if !b.coalesceMisses {
		resume = NewResume()
		hook := b.coordinator.Download(ctx, path, b.upstreams, resume)
		return resume, hook
	}

	v, _, _ := b.group.Do(path, func() (any, error) {
		resume := NewResume()
		b.coordinator.Download(context.WithoutCancel(ctx), path, b.upstreams, resume)
		resume.Wait(nil)
		return resume, nil
	})

	return v.(*Resume), func() {}
}
