// Package store provides persistence for the integrity engine: the
// append-only click event log, the per-user trust score ledger rows, and the
// read side of the link registry.
//
// Two implementations share these contracts: Memory (thread-safe maps with
// secondary indexes) and SQL (gorm over SQLite or Postgres).
package store

import (
	"context"
	"time"

	"mobilize/integrity-api/internal/domain"
)

// EventLog is the append-only source of truth for windowed fraud evaluation.
type EventLog interface {
	// AppendEvent stores a new event. Events are never updated or deleted.
	AppendEvent(ctx context.Context, e *domain.ClickEvent) error

	// EventsByUser returns the user's events at or after since, oldest first.
	EventsByUser(ctx context.Context, userID string, since time.Time) ([]domain.ClickEvent, error)

	// EventsByIP returns every event from ip at or after since, oldest first.
	EventsByIP(ctx context.Context, ip string, since time.Time) ([]domain.ClickEvent, error)

	// EventsSince returns all events at or after since, oldest first.
	EventsSince(ctx context.Context, since time.Time) ([]domain.ClickEvent, error)
}

// LinkRegistry resolves tracked links. Link creation belongs to the link
// generation service; SaveLink exists for seeding and tests.
type LinkRegistry interface {
	ResolveLink(ctx context.Context, id string) (*domain.TrackedLink, error)
	SaveLink(ctx context.Context, l *domain.TrackedLink) error
}

// TrustRepository persists trust scores and their flags.
type TrustRepository interface {
	// GetTrustScore returns a copy of the user's score, or domain.ErrNotFound.
	GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error)

	// UpdateTrustScore runs fn against the user's score as one transaction:
	// either every change fn makes (score and flags) is persisted, or none is.
	// When create is true a missing score starts at domain.InitialScore;
	// otherwise a missing score yields domain.ErrNotFound.
	// Concurrent updates for the same user are serialised.
	UpdateTrustScore(ctx context.Context, userID string, create bool, fn func(ts *domain.TrustScore) error) (*domain.TrustScore, error)

	// ListFlagged returns every score with at least one OPEN flag.
	ListFlagged(ctx context.Context) ([]*domain.TrustScore, error)
}

// Backend bundles the three contracts so wiring code can pass one value.
type Backend interface {
	EventLog
	LinkRegistry
	TrustRepository
	Close() error
}
