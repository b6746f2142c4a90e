// Package tracking records smart-link hits: it deduplicates visitors against
// the TTL store, keeps the per-link click counter, appends every hit to the
// event log, and hands the new event to the fraud engine.
package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mobilize/integrity-api/internal/cache"
	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/metrics"
	"mobilize/integrity-api/internal/store"
)

// Defaults for Recorder options.
const (
	DefaultDedupTTL  = 24 * time.Hour
	DefaultOpTimeout = 2 * time.Second
)

// Evaluator runs fraud rules against an event already in the log.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *domain.ClickEvent) ([]domain.RuleID, error)
}

// TrackRequest is one inbound hit on a tracked link.
type TrackRequest struct {
	LinkID       string
	VisitorToken string // cookie value; preferred dedup key when present
	IssuedToken  string // cookie minted by this hit, not yet sent back by the visitor
	IP           string
	UserAgent    string
	UserID       string // acting user; empty for anonymous visitors
	EventType    domain.EventType
}

// Result reports what RecordClick did.
type Result struct {
	Counted   bool            `json:"counted"`
	EventID   string          `json:"event_id"`
	Triggered []domain.RuleID `json:"triggered_rules"`
}

// Recorder counts each visitor at most once per link per dedup window.
type Recorder struct {
	links     store.LinkRegistry
	events    store.EventLog
	cache     cache.Store
	evaluator Evaluator

	dedupTTL  time.Duration
	opTimeout time.Duration
	now       func() time.Time
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithDedupTTL sets how long a fingerprint suppresses repeat counting.
func WithDedupTTL(d time.Duration) Option { return func(r *Recorder) { r.dedupTTL = d } }

// WithOpTimeout bounds every cache and log call of a single request.
func WithOpTimeout(d time.Duration) Option { return func(r *Recorder) { r.opTimeout = d } }

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(r *Recorder) { r.metrics = m } }

// WithLogger sets the logger (default slog.Default()).
func WithLogger(lg *slog.Logger) Option { return func(r *Recorder) { r.logger = lg } }

// New creates a Recorder. evaluator may be nil to record without fraud checks.
func New(links store.LinkRegistry, events store.EventLog, c cache.Store, evaluator Evaluator, opts ...Option) *Recorder {
	r := &Recorder{
		links:     links,
		events:    events,
		cache:     c,
		evaluator: evaluator,
		dedupTTL:  DefaultDedupTTL,
		opTimeout: DefaultOpTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ─── Keys ─────────────────────────────────────────────────────────────────────

// Fingerprint returns the dedup identity of a visitor: the cookie token when
// present, otherwise a hash of IP and user agent.
func Fingerprint(visitorToken, ip, userAgent string) string {
	if visitorToken != "" {
		return "tok:" + visitorToken
	}
	sum := sha256.Sum256([]byte(ip + "|" + userAgent))
	return "ua:" + hex.EncodeToString(sum[:])
}

// NewVisitorToken mints a cookie value for a first-time visitor.
func NewVisitorToken() string { return uuid.NewString() }

func dedupKey(linkID, fingerprint string) string { return "dedup:" + linkID + ":" + fingerprint }

func counterKey(linkID string) string { return "clicks:" + linkID }

// ─── Recording ────────────────────────────────────────────────────────────────

// RecordClick records one hit. The link counter is incremented only for the
// first hit of a fingerprint inside the dedup window; every hit is appended to
// the event log and evaluated by the fraud engine.
//
// Cache or log failures fail closed: the hit is reported with an error and
// never as counted. Fraud evaluation failures are logged and counted but do
// not fail the request.
func (r *Recorder) RecordClick(ctx context.Context, req TrackRequest) (res Result, err error) {
	start := time.Now()
	defer func() {
		if r.metrics == nil {
			return
		}
		r.metrics.TrackDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			r.metrics.TrackFailures.WithLabelValues(failureReason(err)).Inc()
		}
	}()

	if req.LinkID == "" {
		return Result{}, fmt.Errorf("%w: link_id is required", domain.ErrInvalidRequest)
	}
	if req.VisitorToken == "" && req.IP == "" {
		return Result{}, fmt.Errorf("%w: visitor token or ip is required", domain.ErrInvalidRequest)
	}
	if req.EventType == "" {
		req.EventType = domain.EventClick
	}
	if !req.EventType.Valid() {
		return Result{}, fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidRequest, req.EventType)
	}

	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	link, err := r.links.ResolveLink(opCtx, req.LinkID)
	if err != nil {
		return Result{}, err
	}
	if !link.Active {
		return Result{}, fmt.Errorf("link %s: %w", link.ID, domain.ErrLinkInactive)
	}

	fp := Fingerprint(req.VisitorToken, req.IP, req.UserAgent)
	key := dedupKey(link.ID, fp)

	first, err := r.cache.SetNX(opCtx, key, "1", r.dedupTTL)
	if err != nil {
		return Result{}, cacheFailure("claim fingerprint", err)
	}

	ev := &domain.ClickEvent{
		ID:         uuid.NewString(),
		LinkID:     link.ID,
		UserID:     req.UserID,
		Type:       req.EventType,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		VisitorKey: fp,
		Duplicate:  !first,
		Timestamp:  r.now(),
	}
	if err := r.events.AppendEvent(opCtx, ev); err != nil {
		if first {
			r.releaseFingerprint(key)
		}
		return Result{}, fmt.Errorf("append event: %w", err)
	}

	if first {
		if _, err := r.cache.Incr(opCtx, counterKey(link.ID), cache.NoTTL); err != nil {
			r.releaseFingerprint(key)
			return Result{}, cacheFailure("increment counter", err)
		}
	}

	if req.VisitorToken == "" && req.IssuedToken != "" {
		r.aliasToken(opCtx, link.ID, req.IssuedToken)
	}

	if r.metrics != nil {
		if first {
			r.metrics.ClicksCounted.Inc()
		} else {
			r.metrics.ClicksDuplicate.Inc()
		}
	}

	res = Result{Counted: first, EventID: ev.ID, Triggered: []domain.RuleID{}}
	if r.evaluator != nil {
		res.Triggered = r.evaluate(ctx, ev)
	}
	return res, nil
}

// evaluate runs the fraud engine on its own deadline, detached from the
// caller's cancellation: a visitor closing the connection must not leave a
// penalty half-evaluated.
func (r *Recorder) evaluate(ctx context.Context, ev *domain.ClickEvent) []domain.RuleID {
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opTimeout)
	defer cancel()

	ids, err := r.evaluator.Evaluate(evalCtx, ev)
	if err != nil {
		r.logger.Error("tracking: fraud evaluation failed",
			"event_id", ev.ID,
			"user_id", ev.UserID,
			"link_id", ev.LinkID,
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.EvaluationFailures.Inc()
		}
	}
	if ids == nil {
		ids = []domain.RuleID{}
	}
	return ids
}

// releaseFingerprint undoes a claimed fingerprint after a later step failed,
// so the visitor's retry can still be counted.
func (r *Recorder) releaseFingerprint(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.cache.Del(ctx, key); err != nil {
		r.logger.Warn("tracking: release fingerprint", "key", key, "error", err)
	}
}

// aliasToken marks a freshly issued visitor token as already seen on the link,
// so the visitor's next hit, now carrying the cookie, dedups against this one
// instead of opening a new fingerprint.
func (r *Recorder) aliasToken(ctx context.Context, linkID, token string) {
	key := dedupKey(linkID, Fingerprint(token, "", ""))
	if err := r.cache.Set(ctx, key, "1", r.dedupTTL); err != nil {
		r.logger.Warn("tracking: alias visitor token", "link_id", linkID, "error", err)
	}
}

// ForgetVisitors drops every dedup fingerprint of a link, so each visitor's
// next hit counts again. The click counter is left as it is.
func (r *Recorder) ForgetVisitors(ctx context.Context, linkID string) error {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	link, err := r.links.ResolveLink(opCtx, linkID)
	if err != nil {
		return err
	}
	if err := r.cache.InvalidatePrefix(opCtx, dedupKey(link.ID, "")); err != nil {
		return cacheFailure("forget visitors", err)
	}
	r.logger.Info("tracking: visitor fingerprints cleared", "link_id", link.ID)
	return nil
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// ClickCount returns the number of counted clicks on a link.
func (r *Recorder) ClickCount(ctx context.Context, linkID string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	link, err := r.links.ResolveLink(opCtx, linkID)
	if err != nil {
		return 0, err
	}
	v, err := r.cache.Get(opCtx, counterKey(link.ID))
	if errors.Is(err, cache.ErrAbsent) {
		return 0, nil
	}
	if err != nil {
		return 0, cacheFailure("read counter", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter for link %s is not a number: %w", link.ID, err)
	}
	return n, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// cacheFailure reports any cache error, timeouts included, as
// ErrCacheUnavailable.
func cacheFailure(op string, err error) error {
	if errors.Is(err, domain.ErrCacheUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrCacheUnavailable, err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, domain.ErrNotFound):
		return "link_not_found"
	case errors.Is(err, domain.ErrLinkInactive):
		return "link_inactive"
	case errors.Is(err, domain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "internal"
}
