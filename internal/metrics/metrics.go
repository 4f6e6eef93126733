// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle job
	LifecycleTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classroll_lifecycle_tick_duration_seconds",
			Help:    "Duration of one lifecycle tick",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)

	LifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroll_session_transitions_total",
			Help: "Session status transitions applied by the lifecycle job",
		},
		[]string{"to"},
	)

	LifecycleNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroll_lifecycle_notifications_total",
			Help: "Notifications emitted by the lifecycle job",
		},
		[]string{"kind"}, // reminder, register_open, absence
	)

	AbsenteesMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classroll_absentees_marked_total",
			Help: "Attendance records auto-marked absent",
		},
	)

	LifecycleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroll_lifecycle_failures_total",
			Help: "Per-item lifecycle failures",
		},
		[]string{"step"},
	)

	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classroll_retention_deleted_total",
			Help: "Attendance records removed by the retention sweep",
		},
	)

	// Check-in / check-out
	AttendanceAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroll_attendance_attempts_total",
			Help: "Check-in and check-out attempts by outcome",
		},
		[]string{"action", "result"},
	)

	// Notification delivery
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroll_notification_failures_total",
			Help: "Notification sink failures",
		},
		[]string{"sink"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classroll_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classroll_notifications_delivered_total",
			Help: "Notifications written to the inbox by the dispatcher",
		},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classroll_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classroll_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
