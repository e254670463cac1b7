package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "ingestd_"

var filesStagedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "files_staged_total",
		Help: "Files moved from an inbound directory into staging",
	},
	[]string{"tenant"},
)

var stageFailuresCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "stage_failures_total",
		Help: "Renames into staging that failed and will be retried",
	},
	[]string{"tenant"},
)

var batchesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "batches_total",
		Help: "Batches delivered to the processing API by result",
	},
	[]string{"tenant", "result"},
)

var deliveryAttemptsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "delivery_attempts_total",
		Help: "HTTP requests made to the processing API",
	},
	[]string{"tenant"},
)

var connectionEventsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "connection_events_total",
		Help: "Pooled connection lifecycle events",
	},
	[]string{"tenant", "event"},
)

var cycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    metricsPrefix + "cycle_duration_seconds",
		Help:    "Duration of one poll/stage/dispatch cycle",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	},
	[]string{"tenant"},
)
