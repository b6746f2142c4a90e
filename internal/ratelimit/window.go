// Package ratelimit holds the two throttling primitives of the service:
// Limiter, a sliding-window event counter over the TTL store used by the
// fraud rules, and Middleware, a per-IP token bucket guarding the tracking
// endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mobilize/integrity-api/internal/cache"
)

// slicesPerWindow is the resolution of the sliding window: a window is
// tracked as this many counters, each covering window/slicesPerWindow.
const slicesPerWindow = 10

// MinWindow is the shortest window the limiter can slice.
const MinWindow = time.Millisecond

// Limiter counts events per key over a trailing window. The window is split
// into slices, each its own counter key expiring once it has slid out of
// every window; a count sums the slices the trailing window covers and
// weights the oldest one by the share of it still inside the window.
type Limiter struct {
	store  cache.Store
	prefix string
	now    func() time.Time
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPrefix sets the key namespace (default "rl:").
func WithPrefix(p string) Option {
	return func(l *Limiter) { l.prefix = p }
}

// New creates a Limiter over store.
func New(store cache.Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, prefix: "rl:", now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// CountInWindow records one more event for key and returns how many events
// key has seen in the trailing window ending now, this one included.
func (l *Limiter) CountInWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window < MinWindow {
		return 0, fmt.Errorf("ratelimit: window must be at least %s, got %s", MinWindow, window)
	}
	windowMs := window.Milliseconds()
	sliceMs := max(windowMs/slicesPerWindow, 1)
	slices := windowMs / sliceMs

	nowMs := l.now().UnixMilli()
	cur := nowMs / sliceMs
	// A slice is read until it has fully left the window, one slice after
	// the window that opened with it.
	ttl := time.Duration(windowMs+sliceMs) * time.Millisecond

	count, err := l.store.Incr(ctx, l.sliceKey(key, cur), ttl)
	if err != nil {
		return 0, err
	}

	elapsed := float64(nowMs-cur*sliceMs) / float64(sliceMs)
	for i := int64(1); i <= slices; i++ {
		n, err := l.read(ctx, l.sliceKey(key, cur-i))
		if err != nil {
			return 0, err
		}
		if i == slices {
			n = int64(float64(n) * (1 - elapsed))
		}
		count += n
	}
	return count, nil
}

func (l *Limiter) sliceKey(key string, slice int64) string {
	return fmt.Sprintf("%s%s:%d", l.prefix, key, slice)
}

func (l *Limiter) read(ctx context.Context, k string) (int64, error) {
	v, err := l.store.Get(ctx, k)
	if errors.Is(err, cache.ErrAbsent) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: counter %s is not a number: %w", k, err)
	}
	return n, nil
}
