package workflowrunner

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalflow_workflow_executions_total",
		Help: "Workflow executions finished by the runner, labeled by terminal status.",
	}, []string{"status"})

	requestsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_execution_requests_rejected_total",
		Help: "Execution request messages that could not be parsed or validated.",
	})

	duplicateTriggersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "signalflow_duplicate_triggers_total",
		Help: "Execution requests whose trigger was already claimed by a prior run.",
	})
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			executionsTotal,
			requestsRejectedTotal,
			duplicateTriggersTotal,
		)
	})
}
