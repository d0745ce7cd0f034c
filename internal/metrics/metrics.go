// Package metrics provides Prometheus instrumentation for the engine.
// Counters are registered via promauto at init; Handler exposes them for
// scraping at GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FetchAttempts counts text-fetch attempts by transport strategy and outcome
// (ok, error, empty).
var FetchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamvault_fetch_attempts_total",
	Help: "Text fetch attempts by transport strategy and outcome.",
}, []string{"strategy", "outcome"})

// Resolutions counts stream resolutions by result: precomputed, cache_hit,
// in_flight, passthrough, resolved, fetch_failed.
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamvault_resolutions_total",
	Help: "Stream URL resolutions by result.",
}, []string{"result"})

// GuideRefreshes counts guide refreshes by outcome (source, synthetic, noop).
var GuideRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamvault_guide_refreshes_total",
	Help: "Guide refresh runs by outcome.",
}, []string{"outcome"})

// ChannelsLoaded tracks the size of the most recent channel batch per source.
var ChannelsLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "streamvault_channels_loaded",
	Help: "Channels in the current batch, by source.",
}, []string{"source"})

// LockContention counts distributed lock attempts that found the lock held.
var LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamvault_lock_contention_total",
	Help: "Distributed lock attempts rejected because the lock was held.",
}, []string{"key"})

// SyncDuration tracks how long a full source sync takes.
var SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "streamvault_sync_duration_seconds",
	Help:    "Duration of a full source sync.",
	Buckets: prometheus.DefBuckets,
})

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
