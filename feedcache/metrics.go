package feedcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var feedCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chirp_feed_cache_hits_total",
	Help: "The total number of feed list cache hits",
})

var feedCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chirp_feed_cache_misses_total",
	Help: "The total number of feed list cache misses (lazy loads)",
})

var feedCachePushes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chirp_feed_cache_pushes_total",
	Help: "The total number of entries pushed onto warm feed lists",
})

var feedCacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chirp_feed_cache_errors_total",
	Help: "The total number of feed list cache failures, by operation",
}, []string{"op"})
