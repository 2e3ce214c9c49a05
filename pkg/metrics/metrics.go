// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobRuns counts finished job runs by job type and ledger status
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridewatch_job_runs_total",
		Help: "Finished job runs by job type and status",
	}, []string{"job", "status"})

	// jobRetries counts retried attempts
	jobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridewatch_job_retries_total",
		Help: "Job attempts that were retried after a transient error",
	}, []string{"job"})

	// jobDuration tracks wall-clock time of a run including retries
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ridewatch_job_duration_seconds",
		Help:    "Job run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 9), // 10ms to ~11min
	}, []string{"job"})

	// jobEntities counts entities handled per run
	jobEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridewatch_job_entities_total",
		Help: "Entities processed or skipped by rollup jobs",
	}, []string{"job", "outcome"})

	liveGeneration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ridewatch_live_generation",
		Help: "Current live snapshot generation",
	})

	liveBuiltAt = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ridewatch_live_built_at_seconds",
		Help: "Unix time the current live generation was built",
	})

	liveRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ridewatch_live_rows",
		Help: "Rows in the current live generation",
	})

	liveRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridewatch_live_refresh_total",
		Help: "Live snapshot refreshes by status",
	}, []string{"status"})

	retentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridewatch_retention_deleted_total",
		Help: "Rows deleted by the retention sweeper per dataset",
	}, []string{"dataset"})

	ingestedReadings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridewatch_ingest_readings_total",
		Help: "Ingested readings by outcome (accepted, rejected, late)",
	}, []string{"outcome"})
)

// ObserveJob records a finished job run
func ObserveJob(job, status string, d time.Duration, processed, skipped int) {
	jobRuns.WithLabelValues(job, status).Inc()
	jobDuration.WithLabelValues(job).Observe(d.Seconds())
	if processed > 0 {
		jobEntities.WithLabelValues(job, "processed").Add(float64(processed))
	}
	if skipped > 0 {
		jobEntities.WithLabelValues(job, "skipped").Add(float64(skipped))
	}
}

// ObserveRetry records a retried attempt
func ObserveRetry(job string) {
	jobRetries.WithLabelValues(job).Inc()
}

// ObserveLiveSwap records a successful live swap
func ObserveLiveSwap(generation int64, builtAt time.Time, rows int) {
	liveGeneration.Set(float64(generation))
	liveBuiltAt.Set(float64(builtAt.Unix()))
	liveRows.Set(float64(rows))
	liveRefreshes.WithLabelValues("success").Inc()
}

// ObserveLiveFailure records a failed live refresh
func ObserveLiveFailure() {
	liveRefreshes.WithLabelValues("failure").Inc()
}

// ObserveRetention records rows removed from one dataset
func ObserveRetention(dataset string, n int) {
	retentionDeleted.WithLabelValues(dataset).Add(float64(n))
}

// ObserveIngest records ingestion outcomes
func ObserveIngest(accepted, rejected, late int) {
	ingestedReadings.WithLabelValues("accepted").Add(float64(accepted))
	ingestedReadings.WithLabelValues("rejected").Add(float64(rejected))
	ingestedReadings.WithLabelValues("late").Add(float64(late))
}
