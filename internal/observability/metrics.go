package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "runs_total", Help: "Dispatch runs by final outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of dispatch runs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)
	SearchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "search_attempts_total", Help: "Radius iterations by radius and result"},
		[]string{"radius_km", "result"},
	)
	CandidatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "candidates_rejected_total", Help: "Candidates excluded by the availability filter"},
		[]string{"reason"},
	)
	AssignmentConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "assignment_conflicts_total", Help: "Assignment transactions lost to a concurrent run"})
	StoreErrorsTotal         = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "store_errors_total", Help: "Transient store failures absorbed by the search controller"},
		[]string{"op"},
	)
	AuditErrorsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "audit_errors_total", Help: "Audit records that could not be appended"})
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "notifications_total", Help: "Requester notifications by type and result"},
		[]string{"type", "result"},
	)
	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "location_updates_total", Help: "Agent location pushes accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
