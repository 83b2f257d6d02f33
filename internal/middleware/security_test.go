package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware()(okHandler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/files", nil))

	for _, header := range []string{"X-Content-Type-Options", "X-Frame-Options", "Cache-Control", "Content-Security-Policy", "Referrer-Policy"} {
		assert.NotEmpty(t, rr.Header().Get(header), header)
	}
	assert.Empty(t, rr.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.TLS = &tls.ConnectionState{}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.NotEmpty(t, rr.Header().Get("Strict-Transport-Security"))
}

func TestBearerAuthMiddleware(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler := BearerAuthMiddleware("s3cret", logger)(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer s3cret", want: http.StatusOK},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rr.Body.String(), "Unauthorized")
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestBearerAuthMiddleware_Disabled(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rr := httptest.NewRecorder()
	BearerAuthMiddleware("", logger)(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiter_Allow(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rl := NewRateLimiter(2, time.Minute, logger)
	defer rl.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rl := NewRateLimiter(1, 30*time.Second, logger)
	defer rl.Stop()
	handler := RateLimitMiddleware(rl)(okHandler)

	send := func(xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1, 192.168.0.1").Code)
	limited := send("10.0.0.1, 192.168.0.2")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "30", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2").Code)
	assert.Equal(t, "Rate limit exceeded", hook.LastEntry().Message)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	assert.Equal(t, "1.2.3.4:5678", ClientIP(req))

	req.Header.Set("X-Real-IP", "5.6.7.8")
	assert.Equal(t, "5.6.7.8", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 9.9.9.9 , 10.0.0.1")
	assert.Equal(t, "9.9.9.9", ClientIP(req))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(100*time.Millisecond))
	assert.Equal(t, "60", retryAfterSeconds(time.Minute))
}
