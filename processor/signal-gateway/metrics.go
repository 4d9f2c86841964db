package signalgateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for the ingest surface. Registered once per
// process; multiple gateway instances share them.
var (
	signalsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalflow_signals_ingested_total",
		Help: "Signals ingested, by source and terminal status",
	}, []string{"source", "status"})

	signalsDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_signals_duplicate_total",
		Help: "Signals dropped as duplicates within the dedup window",
	})

	dispatchesFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_dispatches_failed_total",
		Help: "Workflow execution dispatches that failed to publish",
	})

	spoolFilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalflow_spool_files_total",
		Help: "Spool files processed by the watcher, by outcome",
	}, []string{"outcome"})

	registerMetricsOnce sync.Once
)

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			signalsIngestedTotal,
			signalsDuplicateTotal,
			dispatchesFailedTotal,
			spoolFilesTotal,
		)
	})
}
