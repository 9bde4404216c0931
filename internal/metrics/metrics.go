package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_extension_requests_total",
			Help: "Extension request submissions by outcome",
		},
		[]string{"outcome"},
	)

	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_extension_resolutions_total",
			Help: "Extension requests resolved by decision",
		},
		[]string{"status"},
	)

	pendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quota_extension_pending_requests",
			Help: "Extension requests awaiting a decision",
		},
	)

	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_notifications_total",
			Help: "Operator notifications by notifier and result",
		},
		[]string{"notifier", "result"},
	)

	notificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quota_notification_duration_seconds",
			Help:    "Operator notification latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"notifier"},
	)

	resolverFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_resolver_fallbacks_total",
			Help: "Limit lookups answered with the base limit because no snapshot was loaded",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_tool_calls_total",
			Help: "MCP tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)
)

// RecordRequest counts a submission outcome: created, duplicate or error.
func RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// RecordResolution counts an approve or deny.
func RecordResolution(status string) {
	resolutionsTotal.WithLabelValues(status).Inc()
}

// SetPending reports the current number of pending requests.
func SetPending(n int) {
	pendingRequests.Set(float64(n))
}

// RecordNotification counts one notifier attempt.
func RecordNotification(notifier string, ok bool, duration time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	notificationsTotal.WithLabelValues(notifier, result).Inc()
	notificationDuration.WithLabelValues(notifier).Observe(duration.Seconds())
}

// RecordResolverFallback counts a degraded limit lookup.
func RecordResolverFallback() {
	resolverFallbacks.Inc()
}

// RecordHTTPRequest counts one served HTTP request.
func RecordHTTPRequest(method, route string, status int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// RecordToolCall counts one MCP tool invocation.
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
