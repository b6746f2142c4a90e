package ratelimit_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobilize/integrity-api/internal/cache"
	"mobilize/integrity-api/internal/ratelimit"
)

func TestCountInWindow_CountsWithinSameWindow(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	l := ratelimit.New(cache.NewMemory(time.Minute), ratelimit.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := l.CountInWindow(ctx, "user:u1", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCountInWindow_EventsOlderThanWindow_SlideOut(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ratelimit.New(cache.NewMemory(time.Minute), ratelimit.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, _ = l.CountInWindow(ctx, "link:l1", 10*time.Minute)
	_, _ = l.CountInWindow(ctx, "link:l1", 10*time.Minute)

	clock = clock.Add(11 * time.Minute)
	got, err := l.CountInWindow(ctx, "link:l1", 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestCountInWindow_BurstAcrossMinuteTen_CountedTogether(t *testing.T) {
	clock := time.Date(2026, 3, 1, 11, 57, 30, 0, time.UTC)
	l := ratelimit.New(cache.NewMemory(time.Minute), ratelimit.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	var got int64
	for i := 0; i < 6; i++ {
		var err error
		got, err = l.CountInWindow(ctx, "user:u1", 10*time.Minute)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}
	assert.EqualValues(t, 6, got, "11:57:30 to 12:02:30 lies inside one trailing window")
}

func TestCountInWindow_OldestSliceWeightedByOverlap(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ratelimit.New(cache.NewMemory(time.Minute), ratelimit.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.CountInWindow(ctx, "link:l1", 10*time.Minute)
		require.NoError(t, err)
	}

	// Half of the 12:00 slice is still inside the window ending 12:10:30.
	clock = clock.Add(10*time.Minute + 30*time.Second)
	got, err := l.CountInWindow(ctx, "link:l1", 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 6, got)
}

func TestCountInWindow_ShortWindow_Slides(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ratelimit.New(cache.NewMemory(time.Minute), ratelimit.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, _ = l.CountInWindow(ctx, "k", 50*time.Millisecond)
	clock = clock.Add(3 * time.Millisecond)
	got, err := l.CountInWindow(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)

	clock = clock.Add(100 * time.Millisecond)
	got, err = l.CountInWindow(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestCountInWindow_KeysAreIndependent(t *testing.T) {
	l := ratelimit.New(cache.NewMemory(time.Minute))
	ctx := context.Background()

	_, _ = l.CountInWindow(ctx, "user:a", time.Minute)
	got, err := l.CountInWindow(ctx, "user:b", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestCountInWindow_WindowBelowOneMillisecond_ReturnsError(t *testing.T) {
	l := ratelimit.New(cache.NewMemory(time.Minute))
	for _, w := range []time.Duration{0, -time.Second, 500 * time.Microsecond} {
		_, err := l.CountInWindow(context.Background(), "k", w)
		assert.Error(t, err, "window %s", w)
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestMiddleware_OverBurst_Returns429WithRetryAfter(t *testing.T) {
	throttle := ratelimit.NewIPThrottle(0.1, 2, time.Minute)
	h := ratelimit.Middleware(throttle)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/track", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes[i] = rr.Code
		if rr.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rr.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestMiddleware_DifferentIPs_HaveSeparateBuckets(t *testing.T) {
	throttle := ratelimit.NewIPThrottle(0.1, 1, time.Minute)
	h := ratelimit.Middleware(throttle)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/r/x", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code, addr)
	}
}
