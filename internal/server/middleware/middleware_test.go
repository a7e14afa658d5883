package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func TestOperator(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header map[string]string
		target string
		want   int
	}{
		{"disabled", "", nil, "/", http.StatusNoContent},
		{"missing", "k", nil, "/", http.StatusUnauthorized},
		{"bearer", "k", map[string]string{"Authorization": "Bearer k"}, "/", http.StatusNoContent},
		{"api key header", "k", map[string]string{"X-API-Key": "k"}, "/", http.StatusNoContent},
		{"wrong key", "k", map[string]string{"X-API-Key": "nope"}, "/", http.StatusUnauthorized},
		{"query token on upgrade", "k", map[string]string{"Upgrade": "websocket"}, "/ws/admin?token=k", http.StatusNoContent},
		{"query token ignored without upgrade", "k", nil, "/api?token=k", http.StatusUnauthorized},
		{"empty bearer", "k", map[string]string{"Authorization": "Bearer "}, "/", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			Operator(tt.key)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

type countingLimiter struct {
	limit int
	seen  map[string]int
	err   error
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.seen[key]++
	return c.seen[key] <= c.limit, nil
}

func (c *countingLimiter) Wait(context.Context, string) error { return nil }

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestCommandLimit(t *testing.T) {
	lim := &countingLimiter{limit: 2, seen: map[string]int{}}
	commit := CommandLimit(lim, "commit", 2, 30*time.Second, discardLogger())(ok)
	abandon := CommandLimit(lim, "abandon", 2, 30*time.Second, discardLogger())(ok)

	send := func(h http.Handler) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chains/c1/commit", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for range 3 {
		last = send(commit)
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "30", last.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"commit rate limit exceeded"}`, last.Body.String())
	assert.Equal(t, 3, lim.seen["cmd:commit:203.0.113.7"])

	// Exhausting commits leaves the abandon budget untouched.
	assert.Equal(t, http.StatusNoContent, send(abandon).Code)
	assert.Equal(t, 1, lim.seen["cmd:abandon:203.0.113.7"])

	// Limiter failures fail open.
	rec := httptest.NewRecorder()
	CommandLimit(&countingLimiter{err: errors.New("redis down")}, "resolve", 1, time.Second, discardLogger())(ok).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// A nil limiter or zero limit disables the check.
	rec = httptest.NewRecorder()
	CommandLimit(nil, "resolve", 1, time.Second, discardLogger())(ok).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 198.51.100.2 , 10.0.0.1"}, "10.0.0.9:4000", "198.51.100.2"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.3"}, "10.0.0.9:4000", "198.51.100.3"},
		{"peer", nil, "192.0.2.10:5555", "192.0.2.10"},
		{"peer without port", nil, "192.0.2.11", "192.0.2.11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientAddr(req))
		})
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		method    string
		origin    string
		want      int
		wantAllow string
	}{
		{"no origin passes", []string{"https://a.example"}, http.MethodGet, "", http.StatusNoContent, ""},
		{"allowed origin", []string{"https://a.example"}, http.MethodPost, "https://A.example", http.StatusNoContent, "https://A.example"},
		{"preflight allowed", []string{"https://a.example"}, http.MethodOptions, "https://a.example", http.StatusNoContent, "https://a.example"},
		{"preflight refused", []string{"https://a.example"}, http.MethodOptions, "https://b.example", http.StatusForbidden, ""},
		{"wildcard", []string{"*"}, http.MethodGet, "https://b.example", http.StatusNoContent, "https://b.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chains", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestLoggingKeepsStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.WriteHeader(http.StatusOK)
	})
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := httptest.NewRecorder()
	Logging(logger)(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"status":500`)
}
