package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueJoinsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "park_rides", Name: "queue_joins_total", Help: "Queue join attempts by outcome"},
		[]string{"outcome"},
	)
	QueueLeavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "park_rides", Name: "queue_leaves_total", Help: "Queue leave attempts by outcome"},
		[]string{"outcome"},
	)
	QueueWatchers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "park_rides", Name: "queue_watchers", Help: "Open live queue streams"})

	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "park_rides", Name: "bookings_total", Help: "Bookings recorded by kind"},
		[]string{"kind"},
	)
	BookingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "park_rides", Name: "booking_failures_total", Help: "Booking writes that failed by kind"},
		[]string{"kind"},
	)

	NotificationsWritten = promauto.NewCounter(prometheus.CounterOpts{Namespace: "park_rides", Name: "notifications_written_total", Help: "Notification documents written"})
	NotificationsFailed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "park_rides", Name: "notifications_failed_total", Help: "Notification writes that failed"})

	TxConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "park_rides", Name: "tx_conflicts_total", Help: "Transactions that exhausted their retries"},
		[]string{"workflow"},
	)

	ConsistencyViolations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "park_rides", Name: "consistency_violations", Help: "Violations found by the last consistency sweep"},
		[]string{"class"},
	)

	EventsPublishFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "park_rides", Name: "events_publish_failed_total", Help: "Domain events that could not be published"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "park_rides", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "park_rides",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
