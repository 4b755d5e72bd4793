package internal

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"), "other peers have their own bucket")

	// one token refills every window/limit
	base = base.Add(20 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
}

func TestRateLimiter_CleanupDropsIdlePeers(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 50; i++ {
		limiter.Allow("192.168.1." + strings.Repeat("1", i%5+1))
	}
	require.Equal(t, 5, limiter.Size())

	base = base.Add(defaultIdleTTL + time.Second)
	limiter.Allow("10.0.0.9")
	limiter.Cleanup()
	assert.Equal(t, 1, limiter.Size())
}

func TestRateLimiter_PeriodicCleanup(t *testing.T) {
	limiter := NewRateLimiter(1000, time.Minute)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	limiter.Allow("stale")
	base = base.Add(defaultIdleTTL + time.Second)
	for i := 0; i < defaultCleanupEvery; i++ {
		limiter.Allow("fresh")
	}
	assert.Equal(t, 1, limiter.Size())
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "198.51.100.1, 10.0.0.1", "10.0.0.1:80", "198.51.100.1"},
		{"remote with port", "", "203.0.113.7:5555", "203.0.113.7"},
		{"remote without port", "", "203.0.113.7", "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestReadBodyStrict(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"a":1}`))
		body, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(body))
	})

	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBuffer(nil))
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 1024)
		assert.ErrorIs(t, err, ErrEmptyBody)
	})

	t.Run("too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(strings.Repeat("x", 64)))
		_, err := ReadBodyStrict(httptest.NewRecorder(), req, 16)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}
