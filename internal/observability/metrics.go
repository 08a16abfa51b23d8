package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

// Token kinds used as the kind label of memtrace_tokens_total.
const (
	TokensInput      = "input"
	TokensOutput     = "output"
	TokensCacheRead  = "cache_read"
	TokensCacheWrite = "cache_write"
)

// Metrics holds the Prometheus collectors for one process. It implements
// conversation.Observer.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Conversation metrics
	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	tokensTotal    *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	activeSessions prometheus.Gauge
}

var _ conversation.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them, along with the Go
// runtime and process collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memtrace_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memtrace_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memtrace_turns_total",
				Help: "Total number of conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		turnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memtrace_turn_duration_seconds",
				Help:    "Conversation turn duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memtrace_tokens_total",
				Help: "Total number of tokens reported by the model",
			},
			[]string{"kind"},
		),
		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memtrace_tool_calls_total",
				Help: "Total number of memory tool commands",
			},
			[]string{"command", "status"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memtrace_events_total",
				Help: "Total number of trace events recorded",
			},
			[]string{"type"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memtrace_active_sessions",
				Help: "Number of sessions currently open",
			},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.turnsTotal,
		m.turnDuration,
		m.tokensTotal,
		m.toolCallsTotal,
		m.eventsTotal,
		m.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// EventRecorded counts one appended trace event.
func (m *Metrics) EventRecorded(t trace.EventType) {
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

// ToolExecuted counts one memory tool command.
func (m *Metrics) ToolExecuted(command string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.toolCallsTotal.WithLabelValues(command, status).Inc()
}

// TurnCompleted records the outcome, duration and token delta of a turn.
func (m *Metrics) TurnCompleted(outcome string, elapsed time.Duration, delta trace.Usage) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
	m.tokensTotal.WithLabelValues(TokensInput).Add(float64(delta.InputTokens))
	m.tokensTotal.WithLabelValues(TokensOutput).Add(float64(delta.OutputTokens))
	m.tokensTotal.WithLabelValues(TokensCacheRead).Add(float64(delta.CacheReadTokens))
	m.tokensTotal.WithLabelValues(TokensCacheWrite).Add(float64(delta.CacheWriteTokens))
}

// SetActiveSessions sets the open sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Middleware records request metrics labelled by the matched route pattern,
// so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
