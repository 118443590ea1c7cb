package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	}, []string{"method", "path"})

	TasksStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "tasks_started_total",
		Help:      "Total search tasks started.",
	})

	TasksDeduplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "tasks_deduplicated_total",
		Help:      "Total run calls ignored because the same query was already running.",
	})

	TasksFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "tasks_finished_total",
		Help:      "Total search tasks that reached a terminal state, by status.",
	}, []string{"status"})

	TasksStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "tasks_stale_results_total",
		Help:      "Total runner results discarded because the task record was replaced.",
	})

	TasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Name:      "tasks_running",
		Help:      "Number of task records currently in the running state.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Name:      "subscribers",
		Help:      "Number of registered subscribers.",
	})

	SubscriberPanicsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "subscriber_panics_total",
		Help:      "Total subscriber callbacks that panicked during delivery.",
	})

	ProviderRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "provider_requests_total",
		Help:      "Total requests to the search API by result status.",
	}, []string{"status"})

	ProviderRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coordinator",
		Name:      "provider_request_duration_seconds",
		Help:      "Search API request duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	})

	ProviderAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coordinator",
		Name:      "provider_available",
		Help:      "Whether the search API is available (1) or blocked by the circuit breaker (0).",
	})

	SnapshotWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coordinator",
		Name:      "snapshot_writes_total",
		Help:      "Total snapshot store writes by outcome.",
	}, []string{"status"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TasksStartedTotal,
		TasksDeduplicatedTotal,
		TasksFinishedTotal,
		TasksStaleTotal,
		TasksRunning,
		Subscribers,
		SubscriberPanicsTotal,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		ProviderAvailable,
		SnapshotWritesTotal,
	)
}
