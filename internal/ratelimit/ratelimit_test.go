package ratelimit

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"our-journey-auth/internal/observability"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func TestMemoryStore_SlidingWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		ok, _, err := store.Allow(ctx, "k", 3, time.Minute, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, retry, err := store.Allow(ctx, "k", 3, time.Minute, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	ok, _, err = store.Allow(ctx, "other", 3, time.Minute, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = store.Allow(ctx, "k", 3, time.Minute, start.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_FixedWindow(t *testing.T) {
	s, rdb := newMiniRedis(t)
	store := NewRedisStore(rdb, "test:")
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		ok, _, err := store.Allow(ctx, "login|1.2.3.4", 2, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, retry, err := store.Allow(ctx, "login|1.2.3.4", 2, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, 50*time.Second)
	assert.True(t, s.Exists("test:login|1.2.3.4"))

	s.FastForward(time.Minute + time.Second)

	ok, _, err = store.Allow(ctx, "login|1.2.3.4", 2, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ReportsConnectionErrors(t *testing.T) {
	s, rdb := newMiniRedis(t)
	s.Close()

	_, _, err := NewRedisStore(rdb, "").Allow(context.Background(), "k", 1, time.Minute, time.Now())
	assert.Error(t, err)
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, int, time.Duration, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("store down")
}

func TestLimiter_Middleware(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), 2, time.Minute, nil)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send("/login", "10.0.0.1").Code)
	assert.Equal(t, http.StatusNoContent, send("/login", "10.0.0.1").Code)

	blocked := send("/login", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.NotEmpty(t, blocked.Header().Get("Retry-After"))
	assert.Contains(t, blocked.Body.String(), "error")

	assert.Equal(t, http.StatusNoContent, send("/login", "10.0.0.2").Code)
	assert.Equal(t, http.StatusNoContent, send("/signup", "10.0.0.1").Code)

	assert.Equal(t, http.StatusTooManyRequests, send("/login", "198.51.100.9, 10.0.0.1").Code)
}

func TestLimiter_FailsOpen(t *testing.T) {
	var logs bytes.Buffer
	limiter := NewLimiter(failingStore{}, 1, time.Minute, observability.NewLoggerWithOutput(&logs))
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "rate_limit_check_failed")
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, 1, retrySeconds(0))
	assert.Equal(t, 2, retrySeconds(1500*time.Millisecond))
	assert.Equal(t, 60, retrySeconds(time.Minute))
}
