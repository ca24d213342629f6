package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docqueue/internal/models"
)

var (
	once sync.Once

	DocumentsUploaded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_documents_uploaded_total", Help: "Documents accepted by the upload endpoint"})
	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_jobs_enqueued_total", Help: "Jobs inserted in pending state"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_jobs_claimed_total", Help: "Jobs claimed by a worker"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_jobs_retried_total", Help: "Failed attempts returned to pending"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	JobsReclaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_jobs_reclaimed_total", Help: "Stale claims returned to pending"})
	LeasesLost         = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_leases_lost_total", Help: "Resolutions dropped because the claim was no longer held"})
	SchedulerErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "docqueue_scheduler_errors_total", Help: "Infrastructure errors seen by the polling loop"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docqueue_jobs_inflight", Help: "Jobs currently executing in this process"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "docqueue_jobs", Help: "Jobs per state in the store"}, []string{"state"})
	ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docqueue_extraction_duration_seconds",
		Help:    "Latency of extraction calls",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})
)

// SetQueueDepth publishes per-state job counts. States absent from stats are reported as zero.
func SetQueueDepth(stats models.QueueStats) {
	for _, state := range []models.JobState{models.JobPending, models.JobClaimed, models.JobCompleted, models.JobFailed} {
		QueueDepthGauge.WithLabelValues(string(state)).Set(float64(stats[state]))
	}
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DocumentsUploaded,
			JobsEnqueued,
			RateLimitRejects,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			LeasesLost,
			SchedulerErrors,
			InFlightGauge,
			QueueDepthGauge,
			ExtractionDuration,
		)
	})
	return promhttp.Handler()
}
