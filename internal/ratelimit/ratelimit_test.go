package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittyrouter/internal/memory"
	"github.com/chittyos/chittyrouter/internal/ratelimit"
)

func TestWindowAllowsUnderLimit(t *testing.T) {
	ctx := context.Background()
	w := ratelimit.NewWindow(memory.NewLocalWorking(time.Minute), "ratelimit:sender", 3, time.Hour)

	for i := 0; i < 3; i++ {
		ok, err := w.Allow(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := w.Allow(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.False(t, ok, "4th request should be denied")
}

func TestWindowKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	w := ratelimit.NewWindow(memory.NewLocalWorking(time.Minute), "ratelimit:domain", 1, time.Hour)

	ok, err := w.Allow(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Allow(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = w.Allow(ctx, "other.org")
	require.NoError(t, err)
	assert.True(t, ok, "different key has its own window")
}

func TestWindowResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	w := ratelimit.NewWindow(memory.NewLocalWorking(time.Minute), "ratelimit:sender", 1, 20*time.Millisecond)

	ok, err := w.Allow(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Allow(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = w.Allow(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "new window should admit the sender again")
}

func TestMiddlewareDeniesWith429(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1) // one request, effectively no refill
	defer func() { _ = limiter.Close() }()

	handler := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/v1/agents/a/stats", nil)
	req.RemoteAddr = "10.0.0.1:55555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	skipAll := func(*http.Request) string { return "" }
	handler := ratelimit.Middleware(limiter, skipAll, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
