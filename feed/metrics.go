package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var feedStoreFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "chirp_feed_store_fallbacks_total",
	Help: "The total number of feed pages re-issued against the database because the cached window could not prove completeness",
}, []string{"mode"})
