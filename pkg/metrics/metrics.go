package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	EndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pacsync_endpoints_total",
			Help: "Total number of registered endpoints by sync status",
		},
		[]string{"status"},
	)

	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacsync_pools_total",
			Help: "Total number of pools",
		},
	)

	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacsync_operations_total",
			Help: "Total number of sync operations by type and terminal status",
		},
		[]string{"type", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacsync_operation_duration_seconds",
			Help:    "Time from operation pickup to terminal state in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"type"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pacsync_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pacsync_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimitRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pacsync_rate_limit_rejections_total",
			Help: "Total number of requests rejected by rate limiting",
		},
	)

	// WebSocket metrics
	WebSocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pacsync_websocket_connections",
			Help: "Currently open WebSocket event channels",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pacsync_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EndpointsTotal)
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(WebSocketConnections)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
