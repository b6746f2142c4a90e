// Package ledger owns every mutation of a user's trust score.
//
// Penalties and reviews each run as one repository transaction per user, so
// a flag is never created without its deduction (or vice versa), and a flag
// moves out of OPEN exactly once. Auto-suspension is deliberately absent: the
// authorization collaborator reads the score and decides.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/metrics"
	"mobilize/integrity-api/internal/notify"
	"mobilize/integrity-api/internal/store"
)

// Ledger applies penalties and admin reviews to trust scores.
type Ledger struct {
	repo      store.TrustRepository
	publisher notify.Publisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithPublisher sets where committed flag changes are announced.
func WithPublisher(p notify.Publisher) Option { return func(l *Ledger) { l.publisher = p } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(l *Ledger) { l.metrics = m } }

// WithLogger sets the logger (default slog.Default()).
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New creates a Ledger over repo.
func New(repo store.TrustRepository, opts ...Option) *Ledger {
	l := &Ledger{
		repo:      repo,
		publisher: notify.Discard{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ─── Penalties ────────────────────────────────────────────────────────────────

// ApplyPenalty raises a flag for rule against userID and deducts weight from
// the score, floored at zero. If the user already has an OPEN flag for the
// same rule nothing changes and that flag is returned with created=false.
// A user without a score gets one at domain.InitialScore first.
func (l *Ledger) ApplyPenalty(ctx context.Context, userID string, rule domain.RuleID, kind domain.FlagKind, weight int) (flag *domain.Flag, created bool, err error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: penalty needs a user id", domain.ErrInvalidRequest)
	}
	if weight <= 0 {
		return nil, false, fmt.Errorf("%w: penalty weight must be positive, got %d", domain.ErrInvalidRequest, weight)
	}

	at := l.now()
	var result domain.Flag
	ts, err := l.repo.UpdateTrustScore(ctx, userID, true, func(ts *domain.TrustScore) error {
		if open := ts.OpenFlagFor(rule); open != nil {
			result = *open
			return nil
		}

		next := max(ts.Score-weight, domain.MinScore)
		result = domain.Flag{
			ID:        uuid.NewString(),
			UserID:    userID,
			Kind:      kind,
			Rule:      rule,
			Status:    domain.FlagOpen,
			Weight:    weight,
			Deducted:  ts.Score - next,
			CreatedAt: at,
		}
		ts.Flags = append(ts.Flags, result)
		ts.Score = next
		ts.UpdatedAt = at
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("apply penalty %s to %s: %w", rule, userID, err)
	}

	if created {
		l.logger.Info("ledger: flag raised",
			"user_id", userID,
			"rule", rule,
			"flag_id", result.ID,
			"deducted", result.Deducted,
			"score", ts.Score,
		)
		if l.metrics != nil {
			l.metrics.FlagsRaised.WithLabelValues(string(rule)).Inc()
		}
		l.publisher.Publish(ctx, domain.FlagNotification{
			Event:       domain.EventFlagRaised,
			TriggeredAt: at,
			UserID:      userID,
			Score:       ts.Score,
			Flag:        result,
		})
	}
	return &result, created, nil
}

// ─── Reviews ──────────────────────────────────────────────────────────────────

// Review is an admin's decision on one of a user's flags.
type Review struct {
	UserID     string
	FlagID     string // optional; empty targets the oldest OPEN flag
	Resolution domain.Resolution
	Note       string
}

// ReviewFlag resolves an OPEN flag. CLEAR gives back the deducted points
// (capped at domain.MaxScore); PENALIZE and ESCALATE keep the deduction.
//
// Errors:
//   - domain.ErrForbidden if the actor may not review.
//   - domain.ErrNotFound for an unknown user or flag id.
//   - domain.ErrInvalidResolution if the targeted flag is already resolved.
//   - both ErrNotFound and ErrInvalidResolution if the user has no OPEN flag.
func (l *Ledger) ReviewFlag(ctx context.Context, actor domain.Principal, r Review) (*domain.TrustScore, *domain.Flag, error) {
	if !actor.Role.CanReview() {
		return nil, nil, fmt.Errorf("%w: role %s may not review flags", domain.ErrForbidden, actor.Role)
	}
	if r.Resolution.Status() == "" {
		return nil, nil, fmt.Errorf("%w: unknown resolution %q", domain.ErrInvalidResolution, r.Resolution)
	}

	at := l.now()
	var resolved domain.Flag
	ts, err := l.repo.UpdateTrustScore(ctx, r.UserID, false, func(ts *domain.TrustScore) error {
		var f *domain.Flag
		if r.FlagID != "" {
			if f = ts.Flag(r.FlagID); f == nil {
				return fmt.Errorf("flag %q: %w", r.FlagID, domain.ErrNotFound)
			}
		} else if f = ts.OldestOpenFlag(); f == nil {
			return fmt.Errorf("user %q has no open flag: %w: %w", r.UserID, domain.ErrNotFound, domain.ErrInvalidResolution)
		}

		if err := f.Resolve(r.Resolution, actor.ID, r.Note, at); err != nil {
			return err
		}
		if r.Resolution == domain.ResolutionClear {
			ts.Score = min(ts.Score+f.Deducted, domain.MaxScore)
		}
		ts.UpdatedAt = at
		resolved = *f
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("review flag for %s: %w", r.UserID, err)
	}

	l.logger.Info("ledger: flag resolved",
		"user_id", r.UserID,
		"flag_id", resolved.ID,
		"resolution", r.Resolution,
		"admin_id", actor.ID,
		"score", ts.Score,
	)
	if l.metrics != nil {
		l.metrics.FlagsResolved.WithLabelValues(string(r.Resolution)).Inc()
	}
	l.publisher.Publish(ctx, domain.FlagNotification{
		Event:       domain.EventFlagResolved,
		TriggeredAt: at,
		UserID:      r.UserID,
		Score:       ts.Score,
		Flag:        resolved,
	})
	return ts, &resolved, nil
}

// ─── Reads and registration ───────────────────────────────────────────────────

// TrustScore returns the user's current score and flag history.
func (l *Ledger) TrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	return l.repo.GetTrustScore(ctx, userID)
}

// FlaggedUsers returns every user with at least one OPEN flag, for triage.
func (l *Ledger) FlaggedUsers(ctx context.Context, actor domain.Principal) ([]domain.FlaggedUser, error) {
	if !actor.Role.CanReview() {
		return nil, fmt.Errorf("%w: role %s may not list flagged users", domain.ErrForbidden, actor.Role)
	}
	scores, err := l.repo.ListFlagged(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]domain.FlaggedUser, 0, len(scores))
	for _, ts := range scores {
		result = append(result, domain.FlaggedUser{
			UserID:    ts.UserID,
			Score:     ts.Score,
			OpenFlags: ts.OpenFlags(),
		})
	}
	return result, nil
}

// Register creates the user's score at domain.InitialScore. Calling it for an
// existing user returns the current score unchanged.
func (l *Ledger) Register(ctx context.Context, userID string) (*domain.TrustScore, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	return l.repo.UpdateTrustScore(ctx, userID, true, func(*domain.TrustScore) error { return nil })
}
