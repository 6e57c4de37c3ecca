package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "1.1.1.1, 10.0.0.1"}, "10.0.0.2:5000", "1.1.1.1"},
		{"real ip", map[string]string{"X-Real-IP": " 2.2.2.2 "}, "10.0.0.2:5000", "2.2.2.2"},
		{"peer", nil, "3.3.3.3:4000", "3.3.3.3"},
		{"peer without port", nil, "4.4.4.4", "4.4.4.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	deny := &stubLimiter{}
	h := RateLimit(deny, 10, 90*time.Second, "/api/health")(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "90" {
		t.Fatalf("status = %d, retry-after = %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("exempt path status = %d", rec.Code)
	}
	if len(deny.keys) != 1 || deny.keys[0] != "api:192.0.2.1" {
		t.Fatalf("keys = %v", deny.keys)
	}

	broken := &stubLimiter{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	RateLimit(broken, 10, time.Minute)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("limiter error should pass through, got %d", rec.Code)
	}
}

func TestAuthWebSocketQuery(t *testing.T) {
	h := Auth("secret", "/api/health")(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?api_key=secret", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ws query key = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets?api_key=secret", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("query key outside ws = %d", rec.Code)
	}
}

func TestLoggingRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	const id = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set(RequestIDHeader, id)
	h.ServeHTTP(rec, r)
	if seen != id || rec.Header().Get(RequestIDHeader) != id {
		t.Fatalf("seen = %q, header = %q", seen, rec.Header().Get(RequestIDHeader))
	}

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set(RequestIDHeader, "not-a-uuid")
	h.ServeHTTP(rec, r)
	if seen == "not-a-uuid" || seen == "" || rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("generated id = %q", seen)
	}
}

func TestCORSOrigins(t *testing.T) {
	h := CORS([]string{"https://App.example"})(okHandler)

	r := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	r.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("allowed origin headers = %v", rec.Header())
	}

	r = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin allowed: %v", rec.Header())
	}
}
