package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process Store backed by go-cache. It is the default for
// single-instance deployments and tests; counters and fingerprints are lost
// on restart, which the dedup window tolerates.
type Memory struct {
	// mu serialises the read-modify-write paths (Set, SetNX, Incr,
	// InvalidatePrefix). Get and Del go straight to go-cache, which has its
	// own lock.
	mu sync.Mutex
	c  *gocache.Cache
}

// NewMemory creates a Memory store that sweeps expired keys every
// cleanupInterval.
func NewMemory(cleanupInterval time.Duration) *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.c.Set(key, value, expiry(ttl))
	return nil
}

// SetNX implements Store.
func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// go-cache's Add already ignores expired items, so an expired fingerprint
	// is overwritten like a missing one.
	if err := m.c.Add(key, value, expiry(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, ok := m.c.Get(key)
	if !ok {
		return "", ErrAbsent
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	}
	return "", ErrAbsent
}

// Del implements Store.
func (m *Memory) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.c.Delete(key)
	return nil
}

// Incr implements Store.
func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if err := m.c.Add(key, int64(1), expiry(ttl)); err == nil {
			return 1, nil
		}
		// IncrementInt64 keeps the original expiration of the item. It fails
		// if the item expired between Add and here; go round once more.
		n, err := m.c.IncrementInt64(key, 1)
		if err == nil {
			return n, nil
		}
		if _, found := m.c.Get(key); found {
			return 0, fmt.Errorf("cache: incr %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("cache: incr %s: counter expired mid-update", key)
}

// InvalidatePrefix implements Store.
func (m *Memory) InvalidatePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.c.Items() {
		if strings.HasPrefix(k, prefix) {
			m.c.Delete(k)
		}
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
