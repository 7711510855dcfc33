// Package metrics exposes the Prometheus gauges/counters/histograms the
// control plane emits, plus a small Timer helper for histogram observation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet Controller metrics.
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentryfleet_instances_total",
			Help: "Total number of instances by role and lifecycle state",
		},
		[]string{"role", "lifecycle_state"},
	)

	BootRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryfleet_boot_retries_total",
			Help: "Total number of boot command retries issued by the Fleet Controller",
		},
		[]string{"instance_id"},
	)

	HeartbeatTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryfleet_heartbeat_timeouts_total",
			Help: "Total number of instances declared dead due to heartbeat timeout",
		},
		[]string{"role"},
	)

	AutoscalerDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryfleet_autoscaler_decisions_total",
			Help: "Total number of autoscaler decisions by kind",
		},
		[]string{"decision"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentryfleet_fc_reconcile_duration_seconds",
			Help:    "Time taken for one Fleet Controller control-loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics.
	TasksWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryfleet_tasks_waiting",
			Help: "Current number of tasks in the dispatcher's waiting queue",
		},
	)

	TasksRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryfleet_tasks_running",
			Help: "Current number of tasks in flight across all workers",
		},
	)

	TasksFinishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentryfleet_tasks_finished_total",
			Help: "Total number of tasks reported done by workers",
		},
	)

	TasksStolenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentryfleet_tasks_stolen_total",
			Help: "Total number of tasks moved by work stealing",
		},
	)

	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentryfleet_tasks_reclaimed_total",
			Help: "Total number of tasks returned to the waiting queue after a worker was lost",
		},
	)

	// Worker metrics.
	ClassifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentryfleet_classify_duration_seconds",
			Help:    "Time taken by the classifier to process one task",
			Buckets: prometheus.DefBuckets,
		},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentryfleet_payload_download_duration_seconds",
			Help:    "Time taken to download a task payload from object storage",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		BootRetriesTotal,
		HeartbeatTimeoutsTotal,
		AutoscalerDecisionsTotal,
		ReconcileDuration,
		TasksWaiting,
		TasksRunning,
		TasksFinishedTotal,
		TasksStolenTotal,
		TasksReclaimedTotal,
		ClassifyDuration,
		DownloadDuration,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations and recording the
// elapsed duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
