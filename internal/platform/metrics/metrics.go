// Package metrics exposes prometheus collectors for the run orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/esmda-go/internal/domain"
)

var (
	queueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "esmda_queue_jobs",
		Help: "Jobs currently known to the job queue by state",
	}, []string{"state"})

	jobSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esmda_job_submissions_total",
		Help: "Job submissions to the queue backend by result",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "esmda_batch_duration_seconds",
		Help:    "Wall clock time to bring one simulation batch to terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	updateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esmda_update_duration_seconds",
		Help:    "Analysis update latency by result",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"result"})

	runOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esmda_run_outcomes_total",
		Help: "Terminal run outcomes by kind",
	}, []string{"kind"})
)

// SetQueueStatus publishes the latest queue snapshot.
func SetQueueStatus(status domain.QueueStatus) {
	queueJobs.WithLabelValues("running").Set(float64(status.Running))
	queueJobs.WithLabelValues("success").Set(float64(status.Success))
	queueJobs.WithLabelValues("failed").Set(float64(status.Failed))
	queueJobs.WithLabelValues("waiting").Set(float64(status.Waiting))
	queueJobs.WithLabelValues("pending").Set(float64(status.Pending))
	queueJobs.WithLabelValues("killed").Set(float64(status.Killed))
}

func ObserveSubmission(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobSubmissions.WithLabelValues(result).Inc()
}

func ObserveBatch(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}

func ObserveUpdate(d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	updateDuration.WithLabelValues(result).Observe(d.Seconds())
}

func ObserveOutcome(outcome domain.RunOutcome) {
	if outcome.IsZero() {
		return
	}
	runOutcomes.WithLabelValues(string(outcome.Kind)).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
