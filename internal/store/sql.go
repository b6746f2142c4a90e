package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mobilize/integrity-api/internal/domain"
)

// ─── Table rows ───────────────────────────────────────────────────────────────

type linkRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	OwnerUserID    string `gorm:"size:64;not null;index"`
	DestinationURL string `gorm:"size:2048;not null"`
	Active         bool   `gorm:"not null;default:true"`
	CreatedAt      time.Time
}

func (linkRow) TableName() string { return "tracked_links" }

type eventRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	LinkID     string    `gorm:"size:64;not null;index"`
	UserID     string    `gorm:"size:64;index:idx_events_user_ts,priority:1"`
	Type       string    `gorm:"size:8;not null"`
	IP         string    `gorm:"size:64;index:idx_events_ip_ts,priority:1"`
	UserAgent  string    `gorm:"size:512"`
	VisitorKey string    `gorm:"size:128;not null"`
	Duplicate  bool      `gorm:"not null"`
	Timestamp  time.Time `gorm:"not null;index;index:idx_events_user_ts,priority:2;index:idx_events_ip_ts,priority:2"`
}

func (eventRow) TableName() string { return "click_events" }

type trustScoreRow struct {
	UserID    string `gorm:"primaryKey;size:64"`
	Score     int    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (trustScoreRow) TableName() string { return "trust_scores" }

type flagRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"size:64;not null;index:idx_flags_user_status,priority:1"`
	Kind       string `gorm:"size:32;not null"`
	Rule       string `gorm:"size:32;not null"`
	Status     string `gorm:"size:16;not null;index:idx_flags_user_status,priority:2"`
	Weight     int    `gorm:"not null"`
	Deducted   int    `gorm:"not null"`
	Note       string `gorm:"size:1024"`
	ResolvedBy string `gorm:"size:64"`
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

func (flagRow) TableName() string { return "flags" }

// ─── Connection ───────────────────────────────────────────────────────────────

// SQL is a Backend on a relational database through gorm.
type SQL struct {
	db *gorm.DB
}

// OpenSQL connects with the named driver ("sqlite" or "postgres") and creates
// the tables if they do not exist.
func OpenSQL(driver, dsn string) (*SQL, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported sql driver %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if driver == "sqlite" {
		// SQLite has a single writer; one connection keeps transactions from
		// tripping over "database is locked".
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := gdb.AutoMigrate(&linkRow{}, &eventRow{}, &trustScoreRow{}, &flagRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &SQL{db: gdb}, nil
}

// Close implements Backend.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─── Event log ────────────────────────────────────────────────────────────────

// AppendEvent implements EventLog.
func (s *SQL) AppendEvent(ctx context.Context, e *domain.ClickEvent) error {
	row := eventRow{
		ID:         e.ID,
		LinkID:     e.LinkID,
		UserID:     e.UserID,
		Type:       string(e.Type),
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		VisitorKey: e.VisitorKey,
		Duplicate:  e.Duplicate,
		Timestamp:  e.Timestamp.UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// EventsByUser implements EventLog.
func (s *SQL) EventsByUser(ctx context.Context, userID string, since time.Time) ([]domain.ClickEvent, error) {
	return s.queryEvents(ctx, "user_id = ? AND timestamp >= ?", userID, since.UTC())
}

// EventsByIP implements EventLog.
func (s *SQL) EventsByIP(ctx context.Context, ip string, since time.Time) ([]domain.ClickEvent, error) {
	return s.queryEvents(ctx, "ip = ? AND timestamp >= ?", ip, since.UTC())
}

// EventsSince implements EventLog.
func (s *SQL) EventsSince(ctx context.Context, since time.Time) ([]domain.ClickEvent, error) {
	return s.queryEvents(ctx, "timestamp >= ?", since.UTC())
}

func (s *SQL) queryEvents(ctx context.Context, where string, args ...any) ([]domain.ClickEvent, error) {
	var rows []eventRow
	err := s.db.WithContext(ctx).
		Where(where, args...).
		Order("timestamp ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	events := make([]domain.ClickEvent, len(rows))
	for i, r := range rows {
		events[i] = domain.ClickEvent{
			ID:         r.ID,
			LinkID:     r.LinkID,
			UserID:     r.UserID,
			Type:       domain.EventType(r.Type),
			IP:         r.IP,
			UserAgent:  r.UserAgent,
			VisitorKey: r.VisitorKey,
			Duplicate:  r.Duplicate,
			Timestamp:  r.Timestamp,
		}
	}
	return events, nil
}

// ─── Links ────────────────────────────────────────────────────────────────────

// ResolveLink implements LinkRegistry.
func (s *SQL) ResolveLink(ctx context.Context, id string) (*domain.TrackedLink, error) {
	var row linkRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("link %q: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &domain.TrackedLink{
		ID:             row.ID,
		OwnerUserID:    row.OwnerUserID,
		DestinationURL: row.DestinationURL,
		Active:         row.Active,
		CreatedAt:      row.CreatedAt,
	}, nil
}

// SaveLink implements LinkRegistry.
func (s *SQL) SaveLink(ctx context.Context, l *domain.TrackedLink) error {
	row := linkRow{
		ID:             l.ID,
		OwnerUserID:    l.OwnerUserID,
		DestinationURL: l.DestinationURL,
		Active:         l.Active,
		CreatedAt:      l.CreatedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// ─── Trust scores ─────────────────────────────────────────────────────────────

// GetTrustScore implements TrustRepository.
func (s *SQL) GetTrustScore(ctx context.Context, userID string) (*domain.TrustScore, error) {
	return s.loadTrustScore(s.db.WithContext(ctx), userID, false)
}

// loadTrustScore reads the score row and its flags. With lock set the score
// row is selected FOR UPDATE (a no-op on SQLite, whose writes are serial).
func (s *SQL) loadTrustScore(tx *gorm.DB, userID string, lock bool) (*domain.TrustScore, error) {
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row trustScoreRow
	err := q.First(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("trust score for user %q: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var flags []flagRow
	if err := tx.Where("user_id = ?", userID).Order("created_at ASC").Find(&flags).Error; err != nil {
		return nil, err
	}

	ts := &domain.TrustScore{
		UserID:    row.UserID,
		Score:     row.Score,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		Flags:     make([]domain.Flag, len(flags)),
	}
	for i, f := range flags {
		ts.Flags[i] = domain.Flag{
			ID:         f.ID,
			UserID:     f.UserID,
			Kind:       domain.FlagKind(f.Kind),
			Rule:       domain.RuleID(f.Rule),
			Status:     domain.FlagStatus(f.Status),
			Weight:     f.Weight,
			Deducted:   f.Deducted,
			Note:       f.Note,
			ResolvedBy: f.ResolvedBy,
			CreatedAt:  f.CreatedAt,
			ResolvedAt: f.ResolvedAt,
		}
	}
	return ts, nil
}

// UpdateTrustScore implements TrustRepository inside a single database
// transaction, so the flag rows and the score row commit together.
func (s *SQL) UpdateTrustScore(ctx context.Context, userID string, create bool, fn func(ts *domain.TrustScore) error) (*domain.TrustScore, error) {
	var result *domain.TrustScore
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if create {
			now := time.Now().UTC()
			seed := trustScoreRow{UserID: userID, Score: domain.InitialScore, CreatedAt: now, UpdatedAt: now}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return err
			}
		}

		ts, err := s.loadTrustScore(tx, userID, true)
		if err != nil {
			return err
		}

		before := make(map[string]domain.FlagStatus, len(ts.Flags))
		for _, f := range ts.Flags {
			before[f.ID] = f.Status
		}

		if err := fn(ts); err != nil {
			return err
		}

		err = tx.Model(&trustScoreRow{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"score": ts.Score, "updated_at": ts.UpdatedAt.UTC()}).Error
		if err != nil {
			return err
		}

		for _, f := range ts.Flags {
			if status, seen := before[f.ID]; seen && status == f.Status {
				continue
			}
			row := flagRow{
				ID:         f.ID,
				UserID:     f.UserID,
				Kind:       string(f.Kind),
				Rule:       string(f.Rule),
				Status:     string(f.Status),
				Weight:     f.Weight,
				Deducted:   f.Deducted,
				Note:       f.Note,
				ResolvedBy: f.ResolvedBy,
				CreatedAt:  f.CreatedAt.UTC(),
				ResolvedAt: f.ResolvedAt,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}

		result = ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListFlagged implements TrustRepository.
func (s *SQL) ListFlagged(ctx context.Context) ([]*domain.TrustScore, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&flagRow{}).
		Where("status = ?", string(domain.FlagOpen)).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}

	result := make([]*domain.TrustScore, 0, len(userIDs))
	for _, id := range userIDs {
		ts, err := s.loadTrustScore(s.db.WithContext(ctx), id, false)
		if err != nil {
			return nil, err
		}
		result = append(result, ts)
	}
	return result, nil
}
