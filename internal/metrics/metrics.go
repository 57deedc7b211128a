// Package metrics exposes Prometheus collectors for the task status service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksAcceptedTotal         prometheus.Counter
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	sessionsActive             prometheus.Gauge
	sessionMessagesTotal       *prometheus.CounterVec
	busDroppedTotal            prometheus.Counter
	rateLimitedTotal           prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		tasksAcceptedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_tasks_accepted_total",
				Help: "Tasks accepted by the API and handed to the queue.",
			},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_worker_tasks_total",
				Help: "Tasks executed by workers, labeled by result.",
			},
			[]string{"result"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskstream_worker_task_duration_seconds",
				Help:    "Wall time spent executing a task, labeled by result.",
				Buckets: []float64{0.1, 1, 5, 10, 20, 30, 60, 120},
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)

		sessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskstream_sessions_active",
				Help: "Live subscription sessions across all tasks.",
			},
		)

		sessionMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskstream_session_messages_total",
				Help: "Messages handled by sessions, labeled by outcome (sent or suppressed).",
			},
			[]string{"outcome"},
		)

		busDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_bus_dropped_events_total",
				Help: "Events dropped because a subscriber buffer was full.",
			},
		)

		rateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taskstream_rate_limited_total",
				Help: "Accept requests rejected by the admission rate limit.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAccepted counts a task accepted by the API.
func ObserveAccepted() {
	Init()
	tasksAcceptedTotal.Inc()
}

// ObserveTask records a worker execution outcome.
func ObserveTask(result string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(result).Inc()
	taskDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveBusDrop counts one event dropped for a slow subscriber.
func ObserveBusDrop(string) {
	Init()
	busDroppedTotal.Inc()
}

// ObserveRateLimited counts one rejected accept request.
func ObserveRateLimited() {
	Init()
	rateLimitedTotal.Inc()
}

// SessionObserver feeds session lifecycle callbacks into the collectors.
type SessionObserver struct{}

// SessionOpened increments the active sessions gauge.
func (SessionObserver) SessionOpened(string) {
	Init()
	sessionsActive.Inc()
}

// SessionClosed decrements the active sessions gauge.
func (SessionObserver) SessionClosed(string) {
	Init()
	sessionsActive.Dec()
}

// MessageSent counts a message pushed to a client.
func (SessionObserver) MessageSent(string) {
	Init()
	sessionMessagesTotal.WithLabelValues("sent").Inc()
}

// MessageSuppressed counts a stale or duplicate message that was not pushed.
func (SessionObserver) MessageSuppressed(string) {
	Init()
	sessionMessagesTotal.WithLabelValues("suppressed").Inc()
}
