// Package domain contains all core types used across the integrity engine.
// Keeping them in one place makes the rule and ledger semantics easy to audit.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Enumerations ─────────────────────────────────────────────────────────────

// EventType is the kind of engagement recorded against a tracked link.
type EventType string

const (
	EventClick EventType = "CLICK"
	EventShare EventType = "SHARE"
	EventView  EventType = "VIEW"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventClick, EventShare, EventView:
		return true
	}
	return false
}

// ParseEventType normalises a client-supplied event type. An empty value
// defaults to CLICK.
func ParseEventType(s string) (EventType, error) {
	if s == "" {
		return EventClick, nil
	}
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: event_type must be one of CLICK, SHARE, VIEW", ErrInvalidRequest)
	}
	return t, nil
}

// Role is the authorization role of a user, as reported by the identity
// collaborator.
type Role string

const (
	RoleUser       Role = "USER"
	RoleTeamLead   Role = "TEAM_LEAD"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleTeamLead, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// CanReview reports whether the role may triage and resolve flags.
func (r Role) CanReview() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// RuleID identifies a fraud rule.
type RuleID string

const (
	RuleDuplicateActivity RuleID = "duplicate-activity"
	RuleAbnormalClicks    RuleID = "abnormal-clicks"
	RuleSuspiciousDevice  RuleID = "suspicious-device"
	RuleRateLimited       RuleID = "rate-limited"
)

// FlagKind is the category recorded on a Flag.
type FlagKind string

const (
	FlagDuplicateActivity FlagKind = "DUPLICATE_ACTIVITY"
	FlagAbnormalClicks    FlagKind = "ABNORMAL_CLICKS"
	FlagSuspiciousDevice  FlagKind = "SUSPICIOUS_DEVICE"
	FlagRateLimited       FlagKind = "RATE_LIMITED"
)

// Kind maps a rule to the flag kind it raises.
func (r RuleID) Kind() FlagKind {
	switch r {
	case RuleDuplicateActivity:
		return FlagDuplicateActivity
	case RuleAbnormalClicks:
		return FlagAbnormalClicks
	case RuleSuspiciousDevice:
		return FlagSuspiciousDevice
	case RuleRateLimited:
		return FlagRateLimited
	}
	return FlagKind(strings.ToUpper(strings.ReplaceAll(string(r), "-", "_")))
}

// FlagStatus is the lifecycle state of a Flag.
// OPEN is the only non-terminal state.
type FlagStatus string

const (
	FlagOpen      FlagStatus = "OPEN"
	FlagCleared   FlagStatus = "CLEARED"
	FlagPenalized FlagStatus = "PENALIZED"
	FlagEscalated FlagStatus = "ESCALATED"
)

// Terminal reports whether no further transition is allowed.
func (s FlagStatus) Terminal() bool {
	return s == FlagCleared || s == FlagPenalized || s == FlagEscalated
}

// Resolution is an admin's verdict on an OPEN flag.
type Resolution string

const (
	ResolutionClear    Resolution = "CLEAR"
	ResolutionPenalize Resolution = "PENALIZE"
	ResolutionEscalate Resolution = "ESCALATE"
)

// ParseResolution validates a client-supplied resolution literal.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case ResolutionClear, ResolutionPenalize, ResolutionEscalate:
		return r, nil
	}
	return "", fmt.Errorf("%w: resolution must be one of CLEAR, PENALIZE, ESCALATE", ErrInvalidResolution)
}

// Status is the terminal flag status a resolution produces.
func (r Resolution) Status() FlagStatus {
	switch r {
	case ResolutionClear:
		return FlagCleared
	case ResolutionPenalize:
		return FlagPenalized
	case ResolutionEscalate:
		return FlagEscalated
	}
	return ""
}

// ─── Scores ───────────────────────────────────────────────────────────────────

const (
	InitialScore = 100 // score assigned at registration
	MaxScore     = 100 // CLEAR never restores above this
	MinScore     = 0
)

// ─── Core entities ────────────────────────────────────────────────────────────

// TrackedLink is a smart link owned by a user. It is created by the link
// registry; this service only reads it and counts clicks against it.
type TrackedLink struct {
	ID             string    `json:"id"`
	OwnerUserID    string    `json:"owner_user_id"`
	DestinationURL string    `json:"destination_url"`
	Active         bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// ClickEvent is one append-only engagement record. It is never mutated once
// written. UserID is empty for anonymous visitors.
type ClickEvent struct {
	ID         string    `json:"id"`
	LinkID     string    `json:"link_id"`
	UserID     string    `json:"user_id,omitempty"`
	Type       EventType `json:"event_type"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	VisitorKey string    `json:"visitor_key"` // dedup fingerprint (token or ip+ua hash)
	Duplicate  bool      `json:"duplicate"`
	Timestamp  time.Time `json:"timestamp"`
}

// Anonymous reports whether the event has no acting user.
func (e *ClickEvent) Anonymous() bool { return e.UserID == "" }

// Flag is a single rule trigger against a user's trust score.
//
// Weight is the nominal penalty of the rule; Deducted is what was actually
// taken off the score after the floor was applied. CLEAR gives back Deducted.
type Flag struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Kind       FlagKind   `json:"kind"`
	Rule       RuleID     `json:"rule_id"`
	Status     FlagStatus `json:"status"`
	Weight     int        `json:"weight"`
	Deducted   int        `json:"deducted"`
	Note       string     `json:"note,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// IsOpen reports whether the flag still awaits review.
func (f *Flag) IsOpen() bool { return f.Status == FlagOpen }

// Resolve moves an OPEN flag into the terminal state given by res.
// A flag transitions exactly once; any further attempt fails with
// ErrInvalidResolution.
func (f *Flag) Resolve(res Resolution, adminID, note string, at time.Time) error {
	if !f.IsOpen() {
		return fmt.Errorf("%w: flag %s is already %s", ErrInvalidResolution, f.ID, f.Status)
	}
	next := res.Status()
	if next == "" {
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidResolution, res)
	}
	f.Status = next
	f.ResolvedBy = adminID
	f.Note = note
	resolvedAt := at
	f.ResolvedAt = &resolvedAt
	return nil
}

// TrustScore is the per-user integrity metric together with its flag history,
// ordered oldest first.
type TrustScore struct {
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	Flags     []Flag    `json:"flags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTrustScore returns a fresh score at InitialScore.
func NewTrustScore(userID string, at time.Time) *TrustScore {
	return &TrustScore{UserID: userID, Score: InitialScore, CreatedAt: at, UpdatedAt: at}
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (ts *TrustScore) Clone() *TrustScore {
	c := *ts
	c.Flags = make([]Flag, len(ts.Flags))
	for i, f := range ts.Flags {
		if f.ResolvedAt != nil {
			at := *f.ResolvedAt
			f.ResolvedAt = &at
		}
		c.Flags[i] = f
	}
	return &c
}

// OpenFlags returns the flags still awaiting review, oldest first.
func (ts *TrustScore) OpenFlags() []Flag {
	open := []Flag{}
	for _, f := range ts.Flags {
		if f.IsOpen() {
			open = append(open, f)
		}
	}
	return open
}

// OpenFlagFor returns the unresolved flag raised by rule, or nil.
func (ts *TrustScore) OpenFlagFor(rule RuleID) *Flag {
	for i := range ts.Flags {
		if ts.Flags[i].Rule == rule && ts.Flags[i].IsOpen() {
			return &ts.Flags[i]
		}
	}
	return nil
}

// Flag returns a pointer into ts.Flags for the given id, or nil.
func (ts *TrustScore) Flag(id string) *Flag {
	for i := range ts.Flags {
		if ts.Flags[i].ID == id {
			return &ts.Flags[i]
		}
	}
	return nil
}

// OldestOpenFlag returns the earliest unresolved flag, or nil.
func (ts *TrustScore) OldestOpenFlag() *Flag {
	var oldest *Flag
	for i := range ts.Flags {
		f := &ts.Flags[i]
		if !f.IsOpen() {
			continue
		}
		if oldest == nil || f.CreatedAt.Before(oldest.CreatedAt) {
			oldest = f
		}
	}
	return oldest
}

// ─── Admin views ──────────────────────────────────────────────────────────────

// FlaggedUser is one entry in the admin triage queue.
type FlaggedUser struct {
	UserID    string `json:"user_id"`
	Score     int    `json:"score"`
	OpenFlags []Flag `json:"open_flags"`
}

// TrustSummary is the public view of a user's score.
type TrustSummary struct {
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	OpenFlags []Flag    `json:"open_flags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary projects a TrustScore onto its public view.
func (ts *TrustScore) Summary() TrustSummary {
	return TrustSummary{
		UserID:    ts.UserID,
		Score:     ts.Score,
		OpenFlags: ts.OpenFlags(),
		UpdatedAt: ts.UpdatedAt,
	}
}

// ─── Notifications ────────────────────────────────────────────────────────────

// Flag lifecycle event names published to downstream collaborators.
const (
	EventFlagRaised   = "flag_raised"
	EventFlagResolved = "flag_resolved"
)

// FlagNotification is the payload published when a flag is raised or resolved.
type FlagNotification struct {
	Event       string    `json:"event"`
	TriggeredAt time.Time `json:"triggered_at"`
	UserID      string    `json:"user_id"`
	Score       int       `json:"score"`
	Flag        Flag      `json:"flag"`
}

// ─── Reporting ────────────────────────────────────────────────────────────────

// IntegrityReport is the rolling-window summary for operations teams.
type IntegrityReport struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Period          string         `json:"period"`
	TotalEvents     int            `json:"total_events"`
	DuplicateEvents int            `json:"duplicate_events"`
	DistinctIPs     int            `json:"distinct_ips"`
	OpenFlagsByRule map[RuleID]int `json:"open_flags_by_rule"`
	TopLinks        []LinkActivity `json:"top_links"`
}

// LinkActivity is the event volume of a single link within a report window.
type LinkActivity struct {
	LinkID     string `json:"link_id"`
	Events     int    `json:"events"`
	Duplicates int    `json:"duplicates"`
}

// ─── Identity ─────────────────────────────────────────────────────────────────

// Principal is the caller as reported by the identity collaborator.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
