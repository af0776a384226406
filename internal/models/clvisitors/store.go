package clvisitors

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Store isole l'accès aux données pour que l'ingestion et l'agrégation
// soient testables sans vraie base (fake en mémoire dans les tests).
type Store interface {
	SessionBySessionID(sessionID string) (*VisitorSession, error)
	CreateSession(session *VisitorSession) error
	TouchSession(sessionID string, now int64, userAgent string, pageView bool) error
	AppendEvent(event *VisitorEvent) error
	// EventsSince retourne les événements avec occurred_at >= start,
	// triés par occurred_at croissant. start < 0 signifie "tout".
	EventsSince(start int64) ([]VisitorEvent, error)
	// SweepStale désactive au plus limit sessions encore actives dont
	// last_seen est antérieur à before, les plus anciennes d'abord.
	SweepStale(before int64, limit int) (int64, error)
	CountActiveSessions(after int64) (int64, error)
	TopCountries(start int64, limit int) ([]CountryStat, error)
	TopPages(start int64, limit int) ([]PageStat, error)
	TopReferrers(start int64, limit int) ([]ReferrerStat, error)
	// DeleteBefore purge événements et sessions plus vieux que before
	// (rétention optionnelle, jamais appelé quand retentiondays == 0)
	DeleteBefore(before int64) (int64, int64, error)
}

type PageStat struct {
	Path  string `json:"path"`
	Views int64  `json:"views"`
}

type ReferrerStat struct {
	Referrer string `json:"referrer"`
	Count    int64  `json:"count"`
}

type CountryStat struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// GormStore est l'implémentation de production du Store (sqlite ou mysql)
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate crée ou met à jour les tables du moteur de statistiques
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&VisitorSession{}, &VisitorEvent{})
}

func (s *GormStore) SessionBySessionID(sessionID string) (*VisitorSession, error) {
	var session VisitorSession
	result := s.db.Where("session_id = ?", sessionID).First(&session)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("error looking up session: %w", result.Error)
	}
	return &session, nil
}

func (s *GormStore) CreateSession(session *VisitorSession) error {
	if err := s.db.Create(session).Error; err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}
	return nil
}

// TouchSession patch une session existante : last_seen avance, la session
// redevient active, le compteur de pages est incrémenté côté SQL pour rester
// atomique sous concurrence. userAgent n'est fourni par l'appelant que
// lorsque la valeur stockée est vide.
func (s *GormStore) TouchSession(sessionID string, now int64, userAgent string, pageView bool) error {
	updates := map[string]interface{}{
		"last_seen": now,
		"active":    true,
	}
	if userAgent != "" {
		updates["user_agent"] = userAgent
	}
	if pageView {
		updates["page_count"] = gorm.Expr("page_count + ?", 1)
	}

	err := s.db.Model(&VisitorSession{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("error updating session: %w", err)
	}
	return nil
}

func (s *GormStore) AppendEvent(event *VisitorEvent) error {
	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("error recording page view: %w", err)
	}
	return nil
}

func (s *GormStore) EventsSince(start int64) ([]VisitorEvent, error) {
	var events []VisitorEvent
	query := s.db.Model(&VisitorEvent{})
	if start >= 0 {
		query = query.Where("occurred_at >= ?", start)
	}
	if err := query.Order("occurred_at asc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("error scanning events: %w", err)
	}
	return events, nil
}

func (s *GormStore) SweepStale(before int64, limit int) (int64, error) {
	var ids []uint
	err := s.db.Model(&VisitorSession{}).
		Where("last_seen < ? AND active = ?", before, true).
		Order("last_seen asc").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("error selecting stale sessions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.Model(&VisitorSession{}).
		Where("id IN ?", ids).
		Update("active", false)
	if result.Error != nil {
		return 0, fmt.Errorf("error deactivating stale sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) CountActiveSessions(after int64) (int64, error) {
	var count int64
	err := s.db.Model(&VisitorSession{}).
		Where("last_seen > ?", after).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting active sessions: %w", err)
	}
	return count, nil
}

func (s *GormStore) TopCountries(start int64, limit int) ([]CountryStat, error) {
	var stats []CountryStat
	query := s.db.Model(&VisitorEvent{}).
		Select("country, COUNT(*) as count").
		Where("country != ''")
	if start >= 0 {
		query = query.Where("occurred_at >= ?", start)
	}
	err := query.Group("country").
		Order("count DESC").
		Limit(limit).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("error getting top countries: %w", err)
	}
	return stats, nil
}

func (s *GormStore) TopPages(start int64, limit int) ([]PageStat, error) {
	var stats []PageStat
	query := s.db.Model(&VisitorEvent{}).
		Select("path, COUNT(*) as views")
	if start >= 0 {
		query = query.Where("occurred_at >= ?", start)
	}
	err := query.Group("path").
		Order("views DESC").
		Limit(limit).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("error getting top pages: %w", err)
	}
	return stats, nil
}

func (s *GormStore) TopReferrers(start int64, limit int) ([]ReferrerStat, error) {
	var stats []ReferrerStat
	query := s.db.Model(&VisitorEvent{}).
		Select("referrer, COUNT(*) as count").
		Where("referrer != ''")
	if start >= 0 {
		query = query.Where("occurred_at >= ?", start)
	}
	err := query.Group("referrer").
		Order("count DESC").
		Limit(limit).
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("error getting top referrers: %w", err)
	}
	return stats, nil
}

func (s *GormStore) DeleteBefore(before int64) (int64, int64, error) {
	events := s.db.Where("occurred_at < ?", before).Delete(&VisitorEvent{})
	if events.Error != nil {
		return 0, 0, fmt.Errorf("error deleting old events: %w", events.Error)
	}

	sessions := s.db.Where("last_seen < ?", before).Delete(&VisitorSession{})
	if sessions.Error != nil {
		return events.RowsAffected, 0, fmt.Errorf("error deleting old sessions: %w", sessions.Error)
	}
	return events.RowsAffected, sessions.RowsAffected, nil
}
