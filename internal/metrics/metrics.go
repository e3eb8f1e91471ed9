// Package metrics holds the Prometheus collectors shared by the sync loop
// and the serving layer.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "catalog_search"

var (
	SyncBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "batches_total",
		Help:      "Polled batches by outcome.",
	}, []string{"outcome"})

	SyncEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "events_total",
		Help:      "Change events by how the translator handled them.",
	}, []string{"kind"})

	SyncItemFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "bulk_item_failures_total",
		Help:      "Bulk items rejected by the search engine.",
	})

	SyncFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "flush_seconds",
		Help:      "Latency of one bulk write.",
		Buckets:   prometheus.DefBuckets,
	})

	SyncState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "state",
		Help:      "Current consumer loop state (0 disconnected .. 4 flushing).",
	})

	SearchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Catalog searches by outcome.",
	}, []string{"outcome"})

	SearchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "request_seconds",
		Help:      "Latency of catalog search queries.",
		Buckets:   prometheus.DefBuckets,
	})

	TelemetryEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "telemetry",
		Name:      "entries_total",
		Help:      "Search log entries by outcome.",
	}, []string{"outcome"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncBatches, SyncEvents, SyncItemFailures, SyncFlushSeconds, SyncState,
		SearchRequests, SearchSeconds, TelemetryEntries,
	}
}

// Register adds every collector to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
