package slamonitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	scansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_sla_scans_total",
		Help: "Per-agency SLA scan cycles completed.",
	})

	breachesDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_sla_breaches_detected_total",
		Help: "SLA breaches newly opened by scans.",
	})

	escalationsFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_sla_escalations_fired_total",
		Help: "Escalation levels fired across all breaches.",
	})

	scanErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_sla_scan_errors_total",
		Help: "Per-resource errors encountered during scans.",
	})
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			scansTotal,
			breachesDetectedTotal,
			escalationsFiredTotal,
			scanErrorsTotal,
		)
	})
}
