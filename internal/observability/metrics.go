package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "school_transport"

var (
	RequestsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_resolved_total", Help: "Driver decisions on service requests"},
		[]string{"decision", "outcome"},
	)
	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "capacity_rejections_total", Help: "Allocations refused because the route was full"})
	ActiveServicesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "services_created_total", Help: "Services created, by origin"},
		[]string{"origin"},
	)

	PaymentNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_notifications_total", Help: "Payment gateway notifications by outcome"},
		[]string{"outcome"},
	)
	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "gateway_request_duration_seconds", Help: "Payment gateway call latency", Buckets: prometheus.DefBuckets},
		[]string{"op", "status"},
	)

	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "evaluations_total", Help: "Evaluation submissions by outcome"},
		[]string{"outcome"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events handed to a sink"},
		[]string{"sink", "outcome"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open websocket sessions"})

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "job_runs_total", Help: "Scheduled job executions"},
		[]string{"job", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
