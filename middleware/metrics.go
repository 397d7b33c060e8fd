package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentURLsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_payment_urls_issued_total",
			Help: "Total number of payment URL requests by result",
		},
		[]string{"result"},
	)

	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_confirmations_total",
			Help: "Total number of confirmation events by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	approvalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_approval_failures_total",
			Help: "Orders whose payment was captured but whose SBPay approval failed",
		},
		[]string{"reason"},
	)

	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_upstream_request_duration_seconds",
			Help:    "Duration of calls to the payment gateways in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream", "operation"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentURLsIssuedTotal)
	prometheus.MustRegister(confirmationsTotal)
	prometheus.MustRegister(approvalFailuresTotal)
	prometheus.MustRegister(upstreamRequestDuration)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentURL(result string) {
	paymentURLsIssuedTotal.WithLabelValues(result).Inc()
}

func RecordConfirmation(channel, outcome string) {
	confirmationsTotal.WithLabelValues(channel, outcome).Inc()
}

func RecordApprovalFailure(reason string) {
	approvalFailuresTotal.WithLabelValues(reason).Inc()
}

func ObserveUpstream(upstream, operation string, start time.Time) {
	upstreamRequestDuration.WithLabelValues(upstream, operation).Observe(time.Since(start).Seconds())
}
