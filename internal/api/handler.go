package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mobilize/integrity-api/internal/auth"
	"mobilize/integrity-api/internal/domain"
	"mobilize/integrity-api/internal/ledger"
	"mobilize/integrity-api/internal/store"
	"mobilize/integrity-api/internal/tracking"
)

// Options tunes handler behaviour that is not owned by a collaborator.
type Options struct {
	CookieName   string        // visitor token cookie on the redirect endpoint
	CookieTTL    time.Duration // lifetime of a freshly issued visitor cookie
	SecureCookie bool
	ReportWindow time.Duration // lookback of the integrity report
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	recorder *tracking.Recorder
	ledger   *ledger.Ledger
	links    store.LinkRegistry
	events   store.EventLog
	opts     Options
	now      func() time.Time
}

// NewHandler creates a Handler wired to the given dependencies.
func NewHandler(rec *tracking.Recorder, l *ledger.Ledger, links store.LinkRegistry, events store.EventLog, opts Options) *Handler {
	if opts.CookieName == "" {
		opts.CookieName = "mbz_vid"
	}
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = tracking.DefaultDedupTTL
	}
	if opts.ReportWindow <= 0 {
		opts.ReportWindow = 24 * time.Hour
	}
	return &Handler{
		recorder: rec,
		ledger:   l,
		links:    links,
		events:   events,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ─── POST /api/v1/track ───────────────────────────────────────────────────────

type trackRequest struct {
	LinkID       string `json:"link_id"`
	VisitorToken string `json:"visitor_token"`
	IP           string `json:"ip"`
	UserAgent    string `json:"user_agent"`
	EventType    string `json:"event_type"`
}

// TrackClick records a hit reported by the link front end. IP and user agent
// default to the caller's; the acting user is the bearer token's subject.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	var body trackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if body.LinkID == "" {
		badRequest(w, "VALIDATION_ERROR", "link_id is required")
		return
	}
	typ, err := domain.ParseEventType(body.EventType)
	if err != nil {
		badRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}

	req := tracking.TrackRequest{
		LinkID:       body.LinkID,
		VisitorToken: body.VisitorToken,
		IP:           body.IP,
		UserAgent:    body.UserAgent,
		EventType:    typ,
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		req.UserID = p.ID
	}

	res, err := h.recorder.RecordClick(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, res)
}

// ─── GET /r/{linkID} ──────────────────────────────────────────────────────────

// Redirect is the smart link itself. The visitor is redirected even when the
// hit cannot be recorded; such a hit is simply not counted.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	link, err := h.links.ResolveLink(r.Context(), chi.URLParam(r, "linkID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if !link.Active {
		fail(w, r, domain.ErrLinkInactive)
		return
	}

	// Without a cookie the visitor is identified by IP and user agent; the
	// token minted here only takes over from the next hit.
	var token, issued string
	if c, err := r.Cookie(h.opts.CookieName); err == nil && c.Value != "" {
		token = c.Value
	} else {
		issued = tracking.NewVisitorToken()
		http.SetCookie(w, &http.Cookie{
			Name:     h.opts.CookieName,
			Value:    issued,
			Path:     "/",
			MaxAge:   int(h.opts.CookieTTL.Seconds()),
			HttpOnly: true,
			Secure:   h.opts.SecureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}

	req := tracking.TrackRequest{
		LinkID:       link.ID,
		VisitorToken: token,
		IssuedToken:  issued,
		IP:           clientIP(r),
		UserAgent:    r.UserAgent(),
		EventType:    domain.EventClick,
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		req.UserID = p.ID
	}
	if _, err := h.recorder.RecordClick(r.Context(), req); err != nil {
		slog.Warn("api: redirect not recorded", "link_id", link.ID, "error", err)
	}

	http.Redirect(w, r, link.DestinationURL, http.StatusFound)
}

// ─── GET /api/v1/links/{linkID}/clicks ────────────────────────────────────────

// GetClickCount returns the deduplicated click counter of a link.
func (h *Handler) GetClickCount(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	n, err := h.recorder.ClickCount(r.Context(), linkID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"link_id": linkID, "clicks": n})
}

// ─── GET /api/v1/trust-scores/{userID} ────────────────────────────────────────

// GetTrustScore returns a user's score and open flags. Users may read their
// own score; team leads and admins may read anyone's.
func (h *Handler) GetTrustScore(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if p.ID != userID && p.Role == domain.RoleUser {
		forbidden(w, "users may only read their own trust score")
		return
	}

	ts, err := h.ledger.TrustScore(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, ts.Summary())
}

// ─── GET /api/v1/admin/flagged-users ──────────────────────────────────────────

// ListFlaggedUsers returns the admin triage queue.
func (h *Handler) ListFlaggedUsers(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	users, err := h.ledger.FlaggedUsers(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"users": users, "count": len(users)})
}

// ─── POST /api/v1/admin/reviews ───────────────────────────────────────────────

type reviewRequest struct {
	UserID     string `json:"user_id"`
	FlagID     string `json:"flag_id"`
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

// ReviewFlag resolves the user's oldest OPEN flag, or the one named by
// flag_id, and returns the updated trust score.
func (h *Handler) ReviewFlag(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if !p.Role.CanReview() {
		forbidden(w, "only admins may review flags")
		return
	}

	var body reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "INVALID_JSON", "request body must be valid JSON")
		return
	}
	if body.UserID == "" {
		badRequest(w, "VALIDATION_ERROR", "user_id is required")
		return
	}
	res, err := domain.ParseResolution(body.Resolution)
	if err != nil {
		badRequest(w, "INVALID_RESOLUTION", err.Error())
		return
	}

	ts, flag, err := h.ledger.ReviewFlag(r.Context(), p, ledger.Review{
		UserID:     body.UserID,
		FlagID:     body.FlagID,
		Resolution: res,
		Note:       body.Note,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"trust_score": ts, "flag": flag})
}

// ─── POST /api/v1/admin/trust-scores/{userID} ─────────────────────────────────

// RegisterUser creates a trust score at the initial value. Registering an
// existing user returns the current score with 200.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if !p.Role.CanReview() {
		forbidden(w, "only admins may register trust scores")
		return
	}
	userID := chi.URLParam(r, "userID")

	_, err := h.ledger.TrustScore(r.Context(), userID)
	existed := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		fail(w, r, err)
		return
	}

	ts, err := h.ledger.Register(r.Context(), userID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if existed {
		ok(w, ts)
		return
	}
	created(w, ts)
}

// ─── GET /api/v1/admin/reports/integrity ──────────────────────────────────────

// GetIntegrityReport summarises the last report window of activity.
func (h *Handler) GetIntegrityReport(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	flagged, err := h.ledger.FlaggedUsers(r.Context(), p)
	if err != nil {
		fail(w, r, err)
		return
	}

	now := h.now()
	events, err := h.events.EventsSince(r.Context(), now.Add(-h.opts.ReportWindow))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, buildIntegrityReport(now, h.opts.ReportWindow, events, flagged))
}

// ─── DELETE /api/v1/admin/links/{linkID}/fingerprints ─────────────────────────

// ForgetVisitors clears a link's dedup fingerprints so returning visitors are
// counted again, e.g. after test traffic on a link that is about to launch.
func (h *Handler) ForgetVisitors(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if !p.Role.CanReview() {
		forbidden(w, "only admins may reset link fingerprints")
		return
	}
	linkID := chi.URLParam(r, "linkID")
	if err := h.recorder.ForgetVisitors(r.Context(), linkID); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, map[string]any{"link_id": linkID, "fingerprints_cleared": true})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// clientIP returns the host part of RemoteAddr, which middleware.RealIP has
// already replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
