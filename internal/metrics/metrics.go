// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetchedTotal    *prometheus.CounterVec
	bytesStoredTotal     *prometheus.CounterVec
	taskOutcomesTotal    *prometheus.CounterVec
	fetchRetriesTotal    prometheus.Counter
	fetchDurationSeconds *prometheus.HistogramVec
	runInProgress        prometheus.Gauge
	runBatchSize         prometheus.Gauge
	tasksByStatus        *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_fetched_total",
				Help: "Pages fetched, labeled by language and result.",
			},
			[]string{"lang", "result"},
		)
		bytesStoredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_stored_total",
				Help: "Bytes of page content offloaded to the blob store, labeled by language.",
			},
			[]string{"lang"},
		)
		taskOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_task_outcomes_total",
				Help: "Task completions, labeled by language and outcome.",
			},
			[]string{"lang", "outcome"},
		)
		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_fetch_retries_total",
				Help: "Fetch attempts beyond the first.",
			},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Wall time of a single page fetch including retries.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"lang"},
		)
		runInProgress = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_run_in_progress",
				Help: "1 while a scheduled batch run is executing.",
			},
		)
		runBatchSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_run_batch_size",
				Help: "Number of tasks claimed by the current run.",
			},
		)
		tasksByStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_tasks_by_status",
				Help: "Task counts per tracker status at the last sample.",
			},
			[]string{"lang", "status"},
		)
	})
}

// ObservePageFetched counts one fetch attempt chain's final result.
func ObservePageFetched(lang, result string, duration time.Duration) {
	if pagesFetchedTotal == nil {
		return
	}
	pagesFetchedTotal.WithLabelValues(lang, result).Inc()
	fetchDurationSeconds.WithLabelValues(lang).Observe(duration.Seconds())
}

// ObserveBytesStored counts offloaded content bytes.
func ObserveBytesStored(lang string, n int) {
	if bytesStoredTotal == nil {
		return
	}
	bytesStoredTotal.WithLabelValues(lang).Add(float64(n))
}

// ObserveTaskOutcome counts one task completion.
func ObserveTaskOutcome(lang, outcome string) {
	if taskOutcomesTotal == nil {
		return
	}
	taskOutcomesTotal.WithLabelValues(lang, outcome).Inc()
}

// ObserveFetchRetry counts one retried fetch attempt.
func ObserveFetchRetry() {
	if fetchRetriesTotal == nil {
		return
	}
	fetchRetriesTotal.Inc()
}

// SetRunInProgress flips the run gauge.
func SetRunInProgress(active bool) {
	if runInProgress == nil {
		return
	}
	if active {
		runInProgress.Set(1)
		return
	}
	runInProgress.Set(0)
}

// SetRunBatchSize records the claimed batch size of the current run.
func SetRunBatchSize(n int) {
	if runBatchSize == nil {
		return
	}
	runBatchSize.Set(float64(n))
}

// SetTasksByStatus records a status-count sample.
func SetTasksByStatus(lang, status string, n int) {
	if tasksByStatus == nil {
		return
	}
	tasksByStatus.WithLabelValues(lang, status).Set(float64(n))
}
