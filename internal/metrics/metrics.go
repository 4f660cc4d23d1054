package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "splittest_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Test Lifecycle Metrics
	TestsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_tests_created_total",
			Help: "Total number of tests created",
		},
		[]string{"content_kind"},
	)

	TestTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_test_transitions_total",
			Help: "Total number of test lifecycle transitions",
		},
		[]string{"to_state"},
	)

	// Rotation Metrics
	RotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "splittest_rotations_total",
			Help: "Total number of variant rotations",
		},
	)

	AppliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "splittest_variant_applies_total",
			Help: "Total number of variants applied to the platform",
		},
	)

	ApplyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "splittest_variant_apply_failures_total",
			Help: "Total number of failed variant applications",
		},
	)

	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "splittest_variant_apply_duration_seconds",
			Help:    "Variant application duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Collection Metrics
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_metric_collections_total",
			Help: "Total number of metrics collection runs",
		},
		[]string{"status"},
	)

	CollectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "splittest_metric_collection_duration_seconds",
			Help:    "Metrics collection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_upstream_errors_total",
			Help: "Total number of platform API errors by kind",
		},
		[]string{"kind"},
	)

	// Winner Metrics
	WinnersSelectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_winners_selected_total",
			Help: "Total number of winners selected",
		},
		[]string{"mode"},
	)

	// Scheduler Metrics
	SchedulerScansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "splittest_scheduler_scans_total",
			Help: "Total number of scheduler scan passes",
		},
	)

	JobsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "splittest_jobs_published_total",
			Help: "Total number of jobs published to the queue",
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "splittest_queue_depth",
			Help: "Number of jobs waiting in the queue",
		},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordCollection records a metrics collection run
func RecordCollection(status string, duration float64) {
	CollectionsTotal.WithLabelValues(status).Inc()
	CollectionDuration.Observe(duration)
}

// RecordWinnerSelected records a winner selection
func RecordWinnerSelected(manual bool) {
	mode := "auto"
	if manual {
		mode = "manual"
	}
	WinnersSelectedTotal.WithLabelValues(mode).Inc()
}

// RecordJobPublished records a job published to the queue
func RecordJobPublished(kind string) {
	JobsPublishedTotal.WithLabelValues(kind).Inc()
}
