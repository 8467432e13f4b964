package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipdeck_refresh_cycles_total",
		Help: "Refresh cycles executed, by mode.",
	}, []string{"mode"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipdeck_refresh_duration_seconds",
		Help:    "Wall time of one refresh cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	sourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipdeck_source_failures_total",
		Help: "External source fetches that degraded to empty, by source.",
	}, []string{"source"})

	refreshSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipdeck_refresh_suppressed_total",
		Help: "Refresh requests rejected because one was already in flight.",
	})
)
