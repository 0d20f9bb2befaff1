package prometheus

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter metrics
var (
	// Tenant operation counter
	TenantOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qualisys_tenant_operations_total",
			Help: "Total number of tenant operations",
		},
		[]string{"operation"}, // "create", "access", "update", "delete", "invite", etc.
	)

	// Provisioning outcome counter
	ProvisioningCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qualisys_tenant_provisioning_total",
			Help: "Total number of tenant schema provisioning attempts by outcome",
		},
		[]string{"outcome"}, // "ready" or "failed"
	)

	// Error counters
	AuthErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qualisys_auth_errors_total",
			Help: "Total number of authentication and authorization errors",
		},
		[]string{"type"},
	)

	// Rate limit rejection counter
	RateLimitRejectionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qualisys_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"action"},
	)

	// Token budget rejection counter
	BudgetRejectionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qualisys_token_budget_rejections_total",
			Help: "Total number of operations rejected by the monthly token budget",
		},
	)

	// HTTP request counter by endpoint and status
	HTTPRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qualisys_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)
)

// Histogram metrics
var (
	// Request duration
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qualisys_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "status"},
	)

	// Database operation duration
	DBOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qualisys_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "query", "insert", "update", "delete", "ddl"
	)
)

// Gauge metrics
var (
	// Active SSE streams
	ActiveSSEStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qualisys_active_sse_streams",
			Help: "Number of currently open SSE streams",
		},
	)

	// In-flight background tasks
	BackgroundTasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qualisys_background_tasks_in_flight",
			Help: "Number of background tasks currently running",
		},
	)
)

// InitMetrics registers all metrics with the default registry
func InitMetrics() {
	prometheus.MustRegister(
		TenantOperationCounter,
		ProvisioningCounter,
		AuthErrorCounter,
		RateLimitRejectionCounter,
		BudgetRejectionCounter,
		HTTPRequestCounter,
		RequestDuration,
		DBOperationDuration,
		ActiveSSEStreams,
		BackgroundTasksInFlight,
	)
}

// RecordTenantOperation increments the tenant operation counter
func RecordTenantOperation(operation string) {
	TenantOperationCounter.WithLabelValues(operation).Inc()
}

// RecordProvisioning increments the provisioning outcome counter
func RecordProvisioning(outcome string) {
	ProvisioningCounter.WithLabelValues(outcome).Inc()
}

// RecordAuthError increments the auth error counter
func RecordAuthError(errorType string) {
	AuthErrorCounter.WithLabelValues(errorType).Inc()
}

// TrackDBOperation returns a function that records the operation duration
// when called, for use with defer
func TrackDBOperation(operation string) func(time.Time) {
	return func(start time.Time) {
		DBOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// MetricsMiddleware returns an Echo middleware that records request metrics
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			status := strconv.Itoa(c.Response().Status)
			endpoint := c.Path()
			method := c.Request().Method

			HTTPRequestCounter.WithLabelValues(endpoint, method, status).Inc()
			RequestDuration.WithLabelValues(endpoint, method, status).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// Handler returns the Prometheus metrics endpoint handler
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
