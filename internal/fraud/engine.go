// Package fraud implements the rule-based fraud detector that runs after
// every recorded click event.
//
// Architecture:
//
//	The engine never writes events. It reads the user's recent window from the
//	event log, takes trailing-window counts from the rate limiter, runs every rule
//	against that snapshot, and hands each trigger to the ledger. The ledger
//	owns idempotence: a rule that fires again while its flag is still OPEN
//	changes nothing.
//
// Rules (independent, more than one may fire per event):
//  1. duplicate-activity: same (link, event type) more than DuplicateThreshold
//     times in the user's window
//  2. abnormal-clicks: user's event count in the window reaches
//     MaxEventsPerWindow
//  3. suspicious-device: SharedIPUsers or more distinct users behind one IP
//  4. rate-limited: the link's event count in the window reaches three times
//     MaxEventsPerWindow; weighs double
package fraud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/ledger"
	"mobilize/integrity-api/internal/metrics"
	"mobilize/integrity-api/internal/ratelimit"
	"mobilize/integrity-api/internal/store"
)

// Config holds the rule thresholds.
type Config struct {
	Window             time.Duration // lookback and rate-limit window
	MaxEventsPerWindow int           // abnormal-clicks threshold
	DuplicateThreshold int           // duplicate-activity fires above this
	SharedIPUsers      int           // suspicious-device threshold
	BasePenalty        int           // weight of a base rule
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Window:             10 * time.Minute,
		MaxEventsPerWindow: 5,
		DuplicateThreshold: 5,
		SharedIPUsers:      3,
		BasePenalty:        10,
	}
}

// rateLimitFactor scales MaxEventsPerWindow for the per-link rule.
const rateLimitFactor = 3

// Engine evaluates fraud rules for click events.
type Engine struct {
	cfg     Config
	events  store.EventLog
	limiter *ratelimit.Limiter
	ledger  *ledger.Ledger
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates an Engine. m may be nil.
func New(cfg Config, events store.EventLog, limiter *ratelimit.Limiter, l *ledger.Ledger, m *metrics.Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, events: events, limiter: limiter, ledger: l, metrics: m, logger: logger}
}

// ─── Public API ───────────────────────────────────────────────────────────────

// Evaluate runs every rule against the window ending at ev and applies a
// penalty for each rule that fires. ev must already be in the event log.
//
// Anonymous events are evaluated (and counted against their link) but never
// raise a flag. The returned ids list every rule that fired, including those
// absorbed by an existing OPEN flag. A penalty that fails does not stop the
// remaining rules; all failures are joined into the returned error.
func (e *Engine) Evaluate(ctx context.Context, ev *domain.ClickEvent) ([]domain.RuleID, error) {
	rc, err := e.buildContext(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("fraud: build context for event %s: %w", ev.ID, err)
	}

	rules := []func(*ruleContext) []trigger{
		e.ruleDuplicateActivity,
		e.ruleAbnormalClicks,
		e.ruleSuspiciousDevice,
		e.ruleRateLimited,
	}

	var triggers []trigger
	for _, rule := range rules {
		triggers = append(triggers, rule(rc)...)
	}

	ids := make([]domain.RuleID, 0, len(triggers))
	var errs []error
	for _, t := range triggers {
		ids = append(ids, t.rule)
		if e.metrics != nil {
			e.metrics.RulesTriggered.WithLabelValues(string(t.rule)).Inc()
		}
		e.logger.Info("fraud: rule triggered",
			"rule", t.rule,
			"event_id", ev.ID,
			"user_id", ev.UserID,
			"link_id", ev.LinkID,
			"reason", t.reason,
		)
		if ev.Anonymous() {
			continue
		}
		if _, _, err := e.ledger.ApplyPenalty(ctx, ev.UserID, t.rule, t.rule.Kind(), t.weight); err != nil {
			errs = append(errs, err)
		}
	}
	return ids, errors.Join(errs...)
}

// ─── Rule context ─────────────────────────────────────────────────────────────

// trigger is one rule firing for the evaluated event.
type trigger struct {
	rule   domain.RuleID
	weight int
	reason string
}

// ruleContext bundles the event with pre-fetched window data, so each rule
// doesn't need to query the log or the limiter independently.
type ruleContext struct {
	ev *domain.ClickEvent

	userWindow []domain.ClickEvent // same user, within the window (incl. ev)
	ipWindow   []domain.ClickEvent // same IP, within the window (incl. ev)
	userCount  int64               // limiter count for the user
	linkCount  int64               // limiter count for the link
}

func (e *Engine) buildContext(ctx context.Context, ev *domain.ClickEvent) (*ruleContext, error) {
	since := ev.Timestamp.Add(-e.cfg.Window)
	rc := &ruleContext{ev: ev}
	var err error

	if rc.linkCount, err = e.limiter.CountInWindow(ctx, "link:"+ev.LinkID, e.cfg.Window); err != nil {
		return nil, err
	}
	if !ev.Anonymous() {
		if rc.userCount, err = e.limiter.CountInWindow(ctx, "user:"+ev.UserID, e.cfg.Window); err != nil {
			return nil, err
		}
		if rc.userWindow, err = e.events.EventsByUser(ctx, ev.UserID, since); err != nil {
			return nil, err
		}
	}
	if ev.IP != "" {
		if rc.ipWindow, err = e.events.EventsByIP(ctx, ev.IP, since); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// ─── Rule 1: Duplicate activity ───────────────────────────────────────────────

func (e *Engine) ruleDuplicateActivity(rc *ruleContext) []trigger {
	n := 0
	for _, h := range rc.userWindow {
		if h.LinkID == rc.ev.LinkID && h.Type == rc.ev.Type {
			n++
		}
	}
	if n <= e.cfg.DuplicateThreshold {
		return nil
	}
	return []trigger{{
		rule:   domain.RuleDuplicateActivity,
		weight: e.cfg.BasePenalty,
		reason: fmt.Sprintf("%d %s events on link %s within %s", n, rc.ev.Type, rc.ev.LinkID, e.cfg.Window),
	}}
}

// ─── Rule 2: Abnormal clicks ──────────────────────────────────────────────────

func (e *Engine) ruleAbnormalClicks(rc *ruleContext) []trigger {
	if rc.ev.Anonymous() || rc.userCount < int64(e.cfg.MaxEventsPerWindow) {
		return nil
	}
	return []trigger{{
		rule:   domain.RuleAbnormalClicks,
		weight: e.cfg.BasePenalty,
		reason: fmt.Sprintf("user produced %d events within %s (max %d)", rc.userCount, e.cfg.Window, e.cfg.MaxEventsPerWindow),
	}}
}

// ─── Rule 3: Suspicious device ────────────────────────────────────────────────

func (e *Engine) ruleSuspiciousDevice(rc *ruleContext) []trigger {
	users := make(map[string]struct{})
	for _, h := range rc.ipWindow {
		if h.UserID != "" {
			users[h.UserID] = struct{}{}
		}
	}
	if len(users) < e.cfg.SharedIPUsers {
		return nil
	}
	return []trigger{{
		rule:   domain.RuleSuspiciousDevice,
		weight: e.cfg.BasePenalty,
		reason: fmt.Sprintf("IP %s used by %d distinct users within %s", rc.ev.IP, len(users), e.cfg.Window),
	}}
}

// ─── Rule 4: Rate limited ─────────────────────────────────────────────────────

func (e *Engine) ruleRateLimited(rc *ruleContext) []trigger {
	limit := int64(rateLimitFactor * e.cfg.MaxEventsPerWindow)
	if rc.linkCount < limit {
		return nil
	}
	return []trigger{{
		rule:   domain.RuleRateLimited,
		weight: 2 * e.cfg.BasePenalty,
		reason: fmt.Sprintf("link %s received %d events within %s (limit %d)", rc.ev.LinkID, rc.linkCount, e.cfg.Window, limit),
	}}
}
