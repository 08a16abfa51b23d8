package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerClient(t *testing.T) {
	rl := newRateLimiter(1, 2)
	now := time.Now()

	assert.True(t, rl.allow("a", now))
	assert.True(t, rl.allow("a", now))
	assert.False(t, rl.allow("a", now))
	assert.True(t, rl.allow("b", now))

	// A token is back after a second.
	assert.True(t, rl.allow("a", now.Add(time.Second)))
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := newRateLimiter(1, 1)
	now := time.Now()
	rl.allow("a", now)
	rl.allow("b", now.Add(clientIdleTTL+time.Second))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "a")
	assert.Contains(t, rl.clients, "b")
}

func TestLimitReturns429(t *testing.T) {
	s := &Server{limiter: newRateLimiter(0.001, 1), now: time.Now, logger: nopLogger()}
	h := s.limit(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/chat", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantCode   int
		wantHeader string
	}{
		{name: "disabled", origin: "http://a.test", method: http.MethodGet, wantCode: http.StatusTeapot},
		{name: "wildcard", origins: []string{"*"}, origin: "http://a.test", method: http.MethodGet, wantCode: http.StatusTeapot, wantHeader: "http://a.test"},
		{name: "listed", origins: []string{"http://a.test"}, origin: "http://a.test", method: http.MethodGet, wantCode: http.StatusTeapot, wantHeader: "http://a.test"},
		{name: "not listed", origins: []string{"http://a.test"}, origin: "http://b.test", method: http.MethodGet, wantCode: http.StatusTeapot},
		{name: "preflight", origins: []string{"*"}, origin: "http://a.test", method: http.MethodOptions, wantCode: http.StatusNoContent, wantHeader: "http://a.test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{cfg: Config{CORSOrigins: tt.origins}}
			req := httptest.NewRequest(tt.method, "/api/health", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			s.cors(next).ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantHeader, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
