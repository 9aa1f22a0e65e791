package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chirp_fanout_jobs_enqueued_total",
	Help: "The total number of fan-out jobs enqueued",
})

var jobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chirp_fanout_jobs_processed_total",
	Help: "The total number of fan-out jobs processed",
})

var entriesCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "chirp_fanout_entries_created_total",
	Help: "The total number of feed entries created by fan-out",
})
