// Package observability exposes Prometheus metrics for the relay.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Processing outcomes recorded per message.
const (
	OutcomeReplied      = "replied"
	OutcomeEcho         = "echo"
	OutcomeInactive     = "inactive"
	OutcomeNoWakeWord   = "no_wake_word"
	OutcomeSuperseded   = "superseded"
	OutcomeEmpty        = "empty"
	OutcomeRetry        = "retry"
	OutcomeSkipped      = "skipped"
	OutcomeSendFailed   = "send_failed"
	OutcomeUnconfigured = "unconfigured"
)

var (
	messagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_ingested_total",
			Help: "Total number of messages written to the store by the transport path",
		},
		[]string{"direction"},
	)

	messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_processed_total",
			Help: "Total number of inbound messages handled by the agent, by outcome",
		},
		[]string{"outcome"},
	)

	sweeperDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_sweeper_deleted_total",
			Help: "Total number of rows deleted by background sweepers",
		},
		[]string{"job"},
	)

	sweeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_sweeper_runs_total",
			Help: "Total number of sweeper runs",
		},
		[]string{"job", "status"},
	)

	configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_config_reloads_total",
			Help: "Total number of configuration reload attempts",
		},
		[]string{"result"},
	)

	backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_backend_duration_seconds",
			Help:    "AI backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	pendingReplies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_pending_replies",
			Help: "Number of replies waiting out their response delay",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the relay metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesIngested,
			messagesProcessed,
			sweeperDeleted,
			sweeperRuns,
			configReloads,
			backendDuration,
			pendingReplies,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordIngested counts a stored message. fromBot selects the direction label.
func RecordIngested(fromBot bool) {
	direction := "inbound"
	if fromBot {
		direction = "outbound"
	}
	messagesIngested.WithLabelValues(direction).Inc()
}

// RecordProcessed counts an agent outcome.
func RecordProcessed(outcome string) {
	messagesProcessed.WithLabelValues(outcome).Inc()
}

// RecordSweep records a sweeper run and the rows it removed.
func RecordSweep(job string, deleted int64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	sweeperRuns.WithLabelValues(job, status).Inc()
	if deleted > 0 {
		sweeperDeleted.WithLabelValues(job).Add(float64(deleted))
	}
}

// RecordConfigReload records a reload attempt.
func RecordConfigReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	configReloads.WithLabelValues(result).Inc()
}

// RecordBackendCall records an AI backend round trip.
func RecordBackendCall(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	backendDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetPendingReplies reports the number of deferred replies.
func SetPendingReplies(n int) {
	pendingReplies.Set(float64(n))
}
