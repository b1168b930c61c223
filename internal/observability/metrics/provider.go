package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "piper",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Requests sent to provider job APIs, by operation and HTTP status.",
	}, []string{"provider", "operation", "code"})

	providerLatency = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "piper",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Latency of provider job API requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	pollOutcomes = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "piper",
		Subsystem: "provider",
		Name:      "polls_total",
		Help:      "Task status polls, by normalised outcome.",
	}, []string{"provider", "outcome"})

	jobTransitions = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "piper",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Durable job status transitions.",
	}, []string{"node", "status"})
)

// ObserveProviderRequest records one HTTP call to a provider. code is 0 when
// the request never produced a response.
func ObserveProviderRequest(provider, operation string, code int, duration time.Duration) {
	providerRequests.WithLabelValues(provider, operation, strconv.Itoa(code)).Inc()
	providerLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// ObservePoll records the normalised outcome of a status poll
// (running, succeeded, failed, timeout, unknown).
func ObservePoll(provider, outcome string) {
	pollOutcomes.WithLabelValues(provider, outcome).Inc()
}

// ObserveJobTransition records a durable job entering status.
func ObserveJobTransition(node, status string) {
	jobTransitions.WithLabelValues(node, status).Inc()
}
