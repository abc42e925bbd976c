package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	requestsTotal  *prometheus.CounterVec
	latencySeconds *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec

	evaluationsTotal     *prometheus.CounterVec
	evaluationSeconds    *prometheus.HistogramVec
	targetFailuresTotal  *prometheus.CounterVec
	lateTransitionsTotal *prometheus.CounterVec
	eventsPublishedTotal *prometheus.CounterVec
	streamClientsActive  prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors of the lab API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_requests_total",
			Help: "Total number of lab API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lab_latency_seconds",
			Help:    "Latency distribution for lab API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_errors_total",
			Help: "Total number of error responses returned by lab endpoints.",
		}, []string{"method", "route", "status"})

		evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_evaluations_total",
			Help: "Submission evaluations by resulting attempt status.",
		}, []string{"language", "status"})

		evaluationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lab_evaluation_duration_seconds",
			Help:    "Wall-clock duration of a full submission evaluation.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"language"})

		targetFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_target_failures_total",
			Help: "Target code executions that did not finish cleanly.",
		}, []string{"language"})

		lateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_late_transitions_total",
			Help: "Late submission workflow transitions.",
		}, []string{"state"})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_events_published_total",
			Help: "Domain events handed to the message broker.",
		}, []string{"type"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lab_stream_clients_active",
			Help: "Open progress stream connections.",
		})

		prometheus.MustRegister(
			requestsTotal, latencySeconds, errorsTotal,
			evaluationsTotal, evaluationSeconds, targetFailuresTotal,
			lateTransitionsTotal, eventsPublishedTotal, streamClientsActive,
		)
	})
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

// Evaluations counts finished evaluations.
func Evaluations() *prometheus.CounterVec {
	RegisterMetrics()
	return evaluationsTotal
}

// EvaluationDuration observes evaluation latency.
func EvaluationDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return evaluationSeconds
}

// TargetFailures counts failed target code runs.
func TargetFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return targetFailuresTotal
}

// LateTransitions counts late workflow state changes.
func LateTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return lateTransitionsTotal
}

// EventsPublished counts published domain events.
func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// StreamClientsActive tracks open websocket subscribers.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}
