package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails that failed permanently",
		},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Total delivery attempts scheduled for retry",
		},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Jobs accepted by admission control",
		},
		[]string{"type"},
	)

	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Requests rejected by admission control",
		},
		[]string{"reason"},
	)

	ConsistencySkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_consistency_skips_total",
			Help: "Queue references skipped because their job record was missing or already handled",
		},
	)

	DrainErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_drain_errors_total",
			Help: "Drain cycles aborted by a store or transport error",
		},
	)

	ConsecutiveDrainFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_consecutive_drain_failures",
			Help: "Drain cycles failed in a row; resets on the first clean cycle",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "References waiting on the ready list after the last drain",
		},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "outcome"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailRetries)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(AdmissionRejections)
	prometheus.MustRegister(ConsistencySkips)
	prometheus.MustRegister(DrainErrors)
	prometheus.MustRegister(ConsecutiveDrainFailures)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeliveryDuration)
}
