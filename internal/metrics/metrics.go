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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastille_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active agent sessions
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastille_active_sessions",
			Help: "Number of active agent sessions",
		},
		[]string{"workspace_id"},
	)

	// SessionDuration tracks how long sessions run
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastille_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"workspace_id", "status"},
	)

	// EventsTotal counts events broadcast to session subscribers
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_session_events_total",
			Help: "Total server messages broadcast, by event type",
		},
		[]string{"type"},
	)

	// EventRingDrops tracks events evicted from replay rings before any
	// reconnecting client could fetch them
	EventRingDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastille_event_ring_drops_total",
			Help: "Events evicted from session replay rings",
		},
	)

	// StreamConnections tracks open multiplexed client sockets
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bastille_stream_connections",
			Help: "Open multiplexed WebSocket connections",
		},
	)

	// PermissionDecisions counts permission gate outcomes
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_permission_decisions_total",
			Help: "Permission decisions by layer and action",
		},
		[]string{"layer", "action"},
	)

	// ProxyRequests counts credential-substitution proxy traffic
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastille_proxy_requests_total",
			Help: "Auth proxy requests by provider and status",
		},
		[]string{"provider", "status"},
	)

	// TurnDuplicates counts turns suppressed by the dedupe cache
	TurnDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bastille_turn_duplicates_total",
			Help: "Client turns answered from the dedupe cache",
		},
	)
)

// RecordSessionStart increments the active session gauge
func RecordSessionStart(workspaceID string) {
	ActiveSessions.WithLabelValues(workspaceID).Inc()
}

// RecordSessionEnd decrements the gauge and observes duration
func RecordSessionEnd(workspaceID, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(workspaceID).Dec()
	SessionDuration.WithLabelValues(workspaceID, status).Observe(durationSeconds)
}

// Handler returns the /metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments an HTTP handler with request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
