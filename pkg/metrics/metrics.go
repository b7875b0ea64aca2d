// Package metrics exposes Prometheus instrumentation for the orchestrator:
// scan progress, task funnel occupancy, tx pool outcomes, container
// lifecycle latency, and HTTP request counts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ScanCursorHeight is the last block height Scanner has persisted.
	ScanCursorHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pozk_scan_cursor_height",
			Help: "Last block height persisted by the Scanner",
		},
	)

	ScanBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pozk_scan_batches_total",
			Help: "Total number of scan batches processed, by outcome",
		},
		[]string{"outcome"}, // ok, rpc_error (timeouts included)
	)

	// TasksWaiting/Pending/Working track Orchestrator's in-memory funnel.
	TasksWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pozk_tasks_waiting",
			Help: "Tasks admitted locally, awaiting an AcceptTask decision",
		},
	)

	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pozk_tasks_pending",
			Help: "Tasks queued behind the parallelism cap",
		},
	)

	TasksWorking = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pozk_tasks_working",
			Help: "Tasks with a live container",
		},
	)

	ParallelSlotsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pozk_parallel_slots_free",
			Help: "Remaining parallelism slots",
		},
	)

	HeartbeatEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pozk_heartbeat_evictions_total",
			Help: "Total number of task_working entries reclaimed by the heartbeat",
		},
	)

	// TxPool submissions.
	TxSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pozk_tx_submissions_total",
			Help: "Total tx pool submissions by intent kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: sent, soft_failure, dropped
	)

	TxSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pozk_tx_send_duration_seconds",
			Help:    "Time from intent receipt to the end of submission, including the receipt wait for direct sends",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Container lifecycle.
	ContainerPullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pozk_container_pull_duration_seconds",
			Help:    "Time taken to pull a prover image",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pozk_container_run_duration_seconds",
			Help:    "Time taken to start a prover container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRemoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pozk_container_remove_duration_seconds",
			Help:    "Time taken to stop and remove a prover container",
			Buckets: prometheus.DefBuckets,
		},
	)

	// HTTP administration surface.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pozk_http_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pozk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		ScanCursorHeight,
		ScanBatchesTotal,
		TasksWaiting,
		TasksPending,
		TasksWorking,
		ParallelSlotsFree,
		HeartbeatEvictionsTotal,
		TxSubmissionsTotal,
		TxSendDuration,
		ContainerPullDuration,
		ContainerRunDuration,
		ContainerRemoveDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler for mounting on /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
