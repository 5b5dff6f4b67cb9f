package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "erpsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Operator HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	grpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code.",
		},
		[]string{"method", "code"},
	)

	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by the dispatcher.",
		},
		[]string{"kind"},
	)

	tasksDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_deduplicated_total",
			Help:      "Enqueue calls rejected because an active task already exists.",
		},
		[]string{"kind"},
	)

	tasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Tasks executed by kind, path and result.",
		},
		[]string{"kind", "path", "result"},
	)

	syncTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_transitions_total",
			Help:      "Sync log transitions by target status.",
		},
		[]string{"status"},
	)

	queuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Pending tasks observed by the last health probe.",
		},
		[]string{"scope"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, grpcRequests, tasksEnqueued, tasksDeduplicated, tasksProcessed, syncTransitions, queuePending)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncGRPC(method, code string) {
	grpcRequests.WithLabelValues(method, code).Inc()
}

func IncEnqueued(kind string) {
	tasksEnqueued.WithLabelValues(kind).Inc()
}

func IncDeduplicated(kind string) {
	tasksDeduplicated.WithLabelValues(kind).Inc()
}

// IncProcessed counts a task execution; path is "async" or "sync".
func IncProcessed(kind, path, result string) {
	tasksProcessed.WithLabelValues(kind, path, result).Inc()
}

func IncTransition(status string) {
	syncTransitions.WithLabelValues(status).Inc()
}

// SetPending records the pending count for a scope ("total" or "domain").
func SetPending(scope string, n int) {
	queuePending.WithLabelValues(scope).Set(float64(n))
}
