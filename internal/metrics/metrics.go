// Package metrics instruments the proxy with Prometheus counters and
// histograms, exposed on a dedicated bind address separate from the
// client-facing HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheRequestsTotal counts every client request by outcome: "hit",
// "miss_win", "miss_fail", "rejected" (bad path / method / passthrough).
var CacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "artifactmirror",
	Name:      "cache_requests_total",
	Help:      "Client requests served, labeled by outcome.",
}, []string{"outcome"})

// RaceOutcomesTotal counts Race Coordinator terminations, labeled by
// result: "win", "all_failed", "storage_error".
var RaceOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "artifactmirror",
	Name:      "race_outcomes_total",
	Help:      "Race Coordinator terminations, labeled by result.",
}, []string{"result"})

// NegativeCacheSize reports the negative cache's current entry count
// (including entries pending lazy eviction).
var NegativeCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "artifactmirror",
	Name:      "negative_cache_size",
	Help:      "Entries currently held in the negative cache.",
})

// FetchDuration observes how long one Upstream Fetch took to reach a
// terminal state, labeled by upstream base URL.
var FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "artifactmirror",
	Name:      "fetch_duration_seconds",
	Help:      "Upstream Fetch duration to terminal state, by upstream.",
	Buckets:   prometheus.DefBuckets,
}, []string{"upstream"})
