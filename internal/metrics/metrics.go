package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the dispatch engine.
type Metrics struct {
	// Job metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsDuplicate *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsDead      *prometheus.CounterVec
	JobsDropped   *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec

	// Rate limiter metrics
	RequestsAdmitted  *prometheus.CounterVec
	RequestsRejected  *prometheus.CounterVec
	RateLimitFailOpen prometheus.Counter

	// Send gating metrics
	SendsSuppressed prometheus.Counter
	CampaignsPaused prometheus.Counter

	// Bounce pipeline metrics
	BouncesRecorded    *prometheus.CounterVec
	ComplaintsRecorded prometheus.Counter
	ReputationScore    *prometheus.GaugeVec

	// Poller metrics
	PollerRuns     *prometheus.CounterVec
	PollerSkipped  *prometheus.CounterVec
	PollerPromoted *prometheus.CounterVec
	PollerErrors   *prometheus.CounterVec

	// Outbox metrics
	OutboxDispatched prometheus.Counter
	OutboxFailed     prometheus.Counter
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// newMetrics creates and registers all metrics.
func newMetrics() *Metrics {
	m := &Metrics{
		// Job metrics
		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_jobs_enqueued_total",
			Help: "Total number of jobs accepted by the broker",
		}, []string{"queue"}),
		JobsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_jobs_duplicate_total",
			Help: "Total number of enqueues dropped as duplicates of a queued job",
		}, []string{"queue"}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}, []string{"queue"}),
		JobsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_jobs_retried_total",
			Help: "Total number of job attempts scheduled for retry",
		}, []string{"queue"}),
		JobsDead: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_jobs_dead_total",
			Help: "Total number of jobs moved to the dead set after exhausting attempts",
		}, []string{"queue"}),
		JobsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_jobs_dropped_total",
			Help: "Total number of enqueues dropped because the broker is unavailable",
		}, []string{"queue"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outflow_job_duration_seconds",
			Help:    "Duration of job handler executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outflow_queue_depth",
			Help: "Number of jobs waiting per queue and state",
		}, []string{"queue", "state"}),

		// Rate limiter metrics
		RequestsAdmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_requests_admitted_total",
			Help: "Total number of requests admitted by the rate limiter",
		}, []string{"tier"}),
		RequestsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_requests_rejected_total",
			Help: "Total number of requests rejected by the rate limiter",
		}, []string{"tier"}),
		RateLimitFailOpen: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outflow_rate_limit_fail_open_total",
			Help: "Total number of requests admitted because the counting store was unreachable",
		}),

		// Send gating metrics
		SendsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outflow_sends_suppressed_total",
			Help: "Total number of sends skipped for suppressed recipients",
		}),
		CampaignsPaused: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outflow_campaigns_paused_total",
			Help: "Total number of campaigns paused by the good-standing gate",
		}),

		// Bounce pipeline metrics
		BouncesRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_bounces_recorded_total",
			Help: "Total number of bounces recorded by type",
		}, []string{"type"}),
		ComplaintsRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outflow_complaints_recorded_total",
			Help: "Total number of spam complaints recorded",
		}),
		ReputationScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outflow_reputation_score",
			Help: "Last computed reputation score per sending domain",
		}, []string{"domain"}),

		// Poller metrics
		PollerRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_poller_runs_total",
			Help: "Total number of poller cycles executed",
		}, []string{"poller"}),
		PollerSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_poller_skipped_total",
			Help: "Total number of poller cycles skipped because the previous cycle was still running",
		}, []string{"poller"}),
		PollerPromoted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_poller_promoted_total",
			Help: "Total number of due rows promoted into jobs",
		}, []string{"poller"}),
		PollerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "outflow_poller_errors_total",
			Help: "Total number of poller cycles that ended in an error",
		}, []string{"poller"}),

		// Outbox metrics
		OutboxDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outflow_outbox_dispatched_total",
			Help: "Total number of outbox events dispatched to the broker",
		}),
		OutboxFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "outflow_outbox_failed_total",
			Help: "Total number of outbox events whose dispatch failed",
		}),
	}

	return m
}

// TrackJobDuration runs a job handler and records its duration and outcome
// for the given queue.
func (m *Metrics) TrackJobDuration(queue string, f func() error) error {
	startTime := time.Now()

	err := f()

	m.JobDuration.WithLabelValues(queue).Observe(time.Since(startTime).Seconds())
	return err
}
