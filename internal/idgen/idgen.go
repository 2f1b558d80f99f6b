// Package idgen provides the process-global download-ID generator and the
// clock used to stamp cache entries. Neither is configuration; both are
// initialization-time constants plus one atomic counter, kept here purely
// for observability (distinguishing concurrent races in logs and metrics).
package idgen

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	startStamp = strconv.FormatInt(time.Now().Unix(), 36)
	counter    atomic.Int64
)

// NextDownloadID returns "<SID>:<n>" where SID is this process's start
// timestamp in base-36 and n is a process-global monotonic counter. It is
// safe to call from any number of goroutines.
func NextDownloadID() string {
	n := counter.Add(1)
	return startStamp + ":" + strconv.FormatInt(n, 36)
}

// TempFileName returns a unique name for a fetch's scratch file: a fixed
// prefix, the current time, and a random UUID, so two concurrent fetches
// for the same path never collide even on the same upstream-fetch cycle.
func TempFileName(prefix string) string {
	return prefix + "-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.NewString()
}

// Now returns the current wall-clock time, truncated to whole seconds —
// the resolution of Last-Modified comparisons. The store backends use it
// to stamp artifacts published without a Last-Modified header.
func Now() time.Time {
	return time.Now().Truncate(time.Second)
}
