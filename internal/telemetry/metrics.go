package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_enqueued_total", Help: "Jobs enqueued per topic",
	}, []string{"topic"})
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_processed_total", Help: "Job outcomes per topic (completed, retried, failed)",
	}, []string{"topic", "outcome"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_seconds",
		Help:    "Handler run time per topic",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900},
	}, []string{"topic"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_jobs", Help: "Jobs per topic and state",
	}, []string{"topic", "state"})
	InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_jobs_inflight", Help: "Jobs currently leased by this process",
	}, []string{"topic"})
	LeasesReclaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_leases_reclaimed_total", Help: "Expired leases handed back to waiting",
	}, []string{"topic"})

	Extractions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_transcript_extractions_total", Help: "Transcript extractions by method",
	}, []string{"method"})
	ExtractionQuality = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_transcript_quality_score",
		Help:    "Quality score of extracted transcripts",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"method"})
	SummaryFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_summary_fallbacks_total", Help: "Summaries replaced by the fallback marker",
	})
	EmailsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_emails_total", Help: "Email send attempts by outcome",
	}, []string{"outcome"})
	DistributionSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_distribution_skipped_total", Help: "Distribution or email jobs skipped because delivery already succeeded",
	})
	WebhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_webhooks_total", Help: "Webhook deliveries by event and outcome",
	}, []string{"event", "outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter",
	})
	FailureNotifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_failure_notifications_total", Help: "Operator notifications for terminally failed jobs",
	}, []string{"outcome"})
)

// Register adds all collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsProcessed,
			JobDuration,
			QueueDepth,
			InFlight,
			LeasesReclaimed,
			Extractions,
			ExtractionQuality,
			SummaryFallbacks,
			EmailsSent,
			DistributionSkipped,
			WebhooksReceived,
			RateLimitRejects,
			FailureNotifications,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
