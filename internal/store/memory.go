package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mobilize/integrity-api/internal/domain"
)

// Memory is a thread-safe, in-memory Backend.
//
// The secondary indexes (byUser, byIP) give direct entity lookups while
// time-range filtering is a linear scan over the entity's slice, which stays
// small because fraud windows are minutes long.
type Memory struct {
	mu sync.RWMutex

	events []domain.ClickEvent
	links  map[string]*domain.TrackedLink
	scores map[string]*domain.TrustScore

	// Secondary indexes: entity value → positions in events.
	// Maintained on every append so reads stay fast.
	byUser map[string][]int
	byIP   map[string][]int
}

// NewMemory creates an empty, ready-to-use Memory backend.
func NewMemory() *Memory {
	return &Memory{
		links:  make(map[string]*domain.TrackedLink),
		scores: make(map[string]*domain.TrustScore),
		byUser: make(map[string][]int),
		byIP:   make(map[string][]int),
	}
}

// ─── Event log ────────────────────────────────────────────────────────────────

// AppendEvent implements EventLog.
func (m *Memory) AppendEvent(ctx context.Context, e *domain.ClickEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := len(m.events)
	m.events = append(m.events, *e)
	if e.UserID != "" {
		m.byUser[e.UserID] = append(m.byUser[e.UserID], pos)
	}
	if e.IP != "" {
		m.byIP[e.IP] = append(m.byIP[e.IP], pos)
	}
	return nil
}

// EventsByUser implements EventLog.
func (m *Memory) EventsByUser(ctx context.Context, userID string, since time.Time) ([]domain.ClickEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterByTime(m.byUser[userID], since), nil
}

// EventsByIP implements EventLog.
func (m *Memory) EventsByIP(ctx context.Context, ip string, since time.Time) ([]domain.ClickEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterByTime(m.byIP[ip], since), nil
}

// EventsSince implements EventLog.
func (m *Memory) EventsSince(ctx context.Context, since time.Time) ([]domain.ClickEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []domain.ClickEvent{}
	for _, e := range m.events {
		if !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	sortByTime(result)
	return result, nil
}

// filterByTime resolves index positions to events at or after since.
// Must be called with at least a read-lock held.
func (m *Memory) filterByTime(positions []int, since time.Time) []domain.ClickEvent {
	result := []domain.ClickEvent{}
	for _, p := range positions {
		if e := m.events[p]; !e.Timestamp.Before(since) {
			result = append(result, e)
		}
	}
	// Appends may arrive slightly out of timestamp order under concurrency.
	sortByTime(result)
	return result
}

func sortByTime(events []domain.ClickEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// ─── Links ────────────────────────────────────────────────────────────────────

// ResolveLink implements LinkRegistry.
func (m *Memory) ResolveLink(ctx context.Context, id string) (*domain.TrackedLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[id]
	if !ok {
		return nil, fmt.Errorf("link %q: %w", id, domain.ErrNotFound)
	}
	c := *l
	return &c, nil
}

// SaveLink implements LinkRegistry.
func (m *Memory) SaveLink(ctx context.Context, l *domain.TrackedLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.links[l.ID] = &c
	return nil
}

// ─── Trust scores ─────────────────────────────────────────────────────────────

// GetTrustScore implements TrustRepository.
func (m *Memory) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.scores[userID]
	if !ok {
		return nil, fmt.Errorf("trust score for user %q: %w", userID, domain.ErrNotFound)
	}
	return ts.Clone(), nil
}

// UpdateTrustScore implements TrustRepository. fn works on a clone that only
// replaces the stored score once fn returns nil.
func (m *Memory) UpdateTrustScore(ctx context.Context, userID string, create bool, fn func(ts *domain.TrustScore) error) (*domain.TrustScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var work *domain.TrustScore
	if cur, ok := m.scores[userID]; ok {
		work = cur.Clone()
	} else if create {
		work = domain.NewTrustScore(userID, time.Now().UTC())
	} else {
		return nil, fmt.Errorf("trust score for user %q: %w", userID, domain.ErrNotFound)
	}

	if err := fn(work); err != nil {
		return nil, err
	}
	m.scores[userID] = work
	return work.Clone(), nil
}

// ListFlagged implements TrustRepository.
func (m *Memory) ListFlagged(ctx context.Context) ([]*domain.TrustScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.TrustScore
	for _, ts := range m.scores {
		if len(ts.OpenFlags()) > 0 {
			result = append(result, ts.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

// Close implements Backend.
func (m *Memory) Close() error { return nil }
