package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aixgo-dev/memtrace/pkg/conversation"
	"github.com/aixgo-dev/memtrace/pkg/trace"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]string
	}{
		{name: "empty", in: "", want: nil},
		{name: "single", in: "Authorization=Bearer x", want: map[string]string{"Authorization": "Bearer x"}},
		{name: "multiple with spaces", in: " a = 1 , b=2", want: map[string]string{"a": "1", "b": "2"}},
		{name: "value with equals", in: "k=a=b", want: map[string]string{"k": "a=b"}},
		{name: "malformed pairs skipped", in: "novalue,=x,ok=1", want: map[string]string{"ok": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseHeaders(tt.in))
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_EXPORTER", "otlp")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=core")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "sk")

	var cfg Config
	cfg.ApplyEnv()

	assert.Equal(t, "svc", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, ExporterOTLP, cfg.ExporterType)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	assert.Equal(t, "core", cfg.OTLPHeaders["x-team"])
	assert.Equal(t, "Basic cGs6c2s=", cfg.OTLPHeaders["Authorization"])
}

func TestApplyEnvNoneDisables(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	cfg := Config{Enabled: true, ExporterType: ExporterStdout}
	cfg.ApplyEnv()
	assert.False(t, cfg.Enabled)
}

func TestInit(t *testing.T) {
	t.Run("disabled is a no-op", func(t *testing.T) {
		require.NoError(t, Init(Config{}, nil))
		require.NoError(t, Shutdown(context.Background()))
	})

	t.Run("stdout", func(t *testing.T) {
		require.NoError(t, Init(Config{Enabled: true, ExporterType: ExporterStdout}, zap.NewNop()))
		require.NoError(t, Shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		err := Init(Config{Enabled: true, ExporterType: "jaeger"}, nil)
		assert.ErrorContains(t, err, "unknown exporter type")
	})
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = NewLogger("", false)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()

	m.EventRecorded(trace.EventUserInput)
	m.EventRecorded(trace.EventToolCall)
	m.EventRecorded(trace.EventToolCall)
	m.ToolExecuted("create", true)
	m.ToolExecuted("view", false)
	m.TurnCompleted(conversation.OutcomeDone, 2*time.Second, trace.Usage{InputTokens: 10, OutputTokens: 5, CacheReadTokens: 2})
	m.TurnCompleted(conversation.OutcomeError, time.Second, trace.Usage{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("user_input")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("tool_call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCallsTotal.WithLabelValues("view", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues("error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues(TokensInput)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues(TokensOutput)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokensTotal.WithLabelValues(TokensCacheRead)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.turnDuration))
}

func TestMetricsMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.Handle("GET /metrics", m.Handler())
	srv := httptest.NewServer(m.Middleware(mux))
	defer srv.Close()

	for _, id := range []string{"a", "b"} {
		resp, err := http.Get(srv.URL + "/api/sessions/" + id)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "GET /api/sessions/{id}", "404")))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "memtrace_http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("test")

	res := hc.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, res.Status)
	assert.Equal(t, "test", res.Version)

	hc.RegisterCheck(HealthCheck{Name: "cache", CheckFunc: func(context.Context) error { return errors.New("cold") }})
	res = hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, res.Status)
	assert.Equal(t, "cold", res.Checks["cache"].Message)

	hc.RegisterCheck(HealthCheck{
		Name:     "store",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	assert.Equal(t, []string{"cache", "store"}, hc.Names())

	rec := httptest.NewRecorder()
	hc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(strings.NewReader(rec.Body.String())).Decode(&body))
	assert.Equal(t, HealthStatusUnhealthy, body.Status)
	assert.Equal(t, HealthStatusUnhealthy, body.Checks["store"].Status)
}
