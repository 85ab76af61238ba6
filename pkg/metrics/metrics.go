package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scan metrics
	ScansTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ventiscan_scans_total",
			Help: "Total number of scans by state",
		},
		[]string{"state"},
	)

	ScansStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ventiscan_scans_started_total",
			Help: "Total number of scans admitted",
		},
	)

	ChunksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ventiscan_chunks_completed_total",
			Help: "Total number of chunks finished by exit kind",
		},
		[]string{"exit_kind"},
	)

	FindingsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ventiscan_findings_ingested_total",
			Help: "Total number of findings ingested by severity",
		},
		[]string{"severity"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ventiscan_queue_depth",
			Help: "Number of jobs waiting for a worker slot",
		},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ventiscan_workers_active",
			Help: "Number of live worker processes",
		},
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ventiscan_worker_duration_seconds",
			Help:    "Worker process wall-clock duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"profile"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ventiscan_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ventiscan_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ventiscan_ratelimit_denials_total",
			Help: "Total number of rate-limited requests by bucket",
		},
		[]string{"bucket"},
	)

	// GC metrics
	ArtifactsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ventiscan_gc_scans_swept_total",
			Help: "Total number of scans removed by retention GC",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(ScansStarted)
	prometheus.MustRegister(ChunksCompleted)
	prometheus.MustRegister(FindingsIngested)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(WorkerDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimitDenials)
	prometheus.MustRegister(ArtifactsSwept)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
