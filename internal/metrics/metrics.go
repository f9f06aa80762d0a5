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
			Name: "crewflow_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crewflow_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently registered sessions
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crewflow_active_sessions",
			Help: "Number of active sessions",
		},
		[]string{"crew"},
	)

	// SessionDuration tracks how long sessions stay registered
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crewflow_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"crew", "status"},
	)

	// RunsTotal counts finished runs by final status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewflow_runs_total",
			Help: "Total number of finished runs",
		},
		[]string{"crew", "status"},
	)

	// NodeRuns counts node executions
	NodeRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewflow_node_runs_total",
			Help: "Total number of node executions",
		},
		[]string{"crew", "node"},
	)

	// Cancellations counts runs ended by stop or supersession
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewflow_cancellations_total",
			Help: "Total number of cancelled runs",
		},
		[]string{"crew", "cause"},
	)

	// QueueBlocked counts event pushes that waited for a slow consumer
	QueueBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crewflow_queue_blocked_pushes_total",
			Help: "Total number of event pushes that blocked on a full queue",
		},
	)

	// EventBufferDrops tracks dropped events due to buffer overflow
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewflow_event_buffer_drops_total",
			Help: "Total number of events dropped due to buffer overflow",
		},
		[]string{"crew"},
	)

	// CheckpointsPruned counts checkpoints removed by cleanup
	CheckpointsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crewflow_checkpoints_pruned_total",
			Help: "Total number of checkpoints removed by cleanup",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewflow_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments active session gauge
func RecordSessionStart(crew string) {
	ActiveSessions.WithLabelValues(crew).Inc()
}

// RecordSessionEnd decrements active session gauge and records duration
func RecordSessionEnd(crew, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(crew).Dec()
	SessionDuration.WithLabelValues(crew, status).Observe(durationSeconds)
}

// RecordRun records a finished run
func RecordRun(crew, status string) {
	RunsTotal.WithLabelValues(crew, status).Inc()
}

// RecordNodeRun records one node execution
func RecordNodeRun(crew, node string) {
	NodeRuns.WithLabelValues(crew, node).Inc()
}

// RecordCancellation records a run ended by "stop" or "supersede"
func RecordCancellation(crew, cause string) {
	Cancellations.WithLabelValues(crew, cause).Inc()
}

// RecordQueueBlocked records a push that waited on a full queue
func RecordQueueBlocked() {
	QueueBlocked.Inc()
}

// RecordEventDrop records an event buffer drop
func RecordEventDrop(crew string) {
	EventBufferDrops.WithLabelValues(crew).Inc()
}

// RecordCheckpointsPruned adds n pruned checkpoints
func RecordCheckpointsPruned(n int) {
	CheckpointsPruned.Add(float64(n))
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
