package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP API metrics, recorded by MetricsMiddleware.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumenscope_api_requests_total",
		Help: "Total HTTP API requests by method, endpoint and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lumenscope_api_request_duration_seconds",
		Help:    "HTTP API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumenscope_api_active_connections",
		Help: "HTTP API requests currently in flight.",
	})

	// Acquisition pipeline metrics.
	InstructionsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumenscope_instructions_consumed_total",
		Help: "Instructions consumed from the shared queue by kind.",
	}, []string{"kind"})

	FramesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumenscope_frames_written_total",
		Help: "Frame records persisted by the write sink.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumenscope_queue_depth",
		Help: "Instructions currently pending on the shared queue.",
	})

	ExperimentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumenscope_experiments_active",
		Help: "Experiments currently generating or awaiting time points.",
	})

	AbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumenscope_aborts_total",
		Help: "Experiments terminated by abort.",
	})

	// Database metrics, recorded by the gorm telemetry callbacks.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lumenscope_db_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumenscope_db_errors_total",
		Help: "Database errors by operation and class.",
	}, []string{"operation", "class"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumenscope_db_connections_active",
		Help: "Open database connections.",
	})
)

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
