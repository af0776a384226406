package clvisitors

import "time"

const (
	// EventPageView représente une navigation vers une page
	EventPageView = "page_view"
	// EventHeartbeat maintient la session vivante sans compter de visite
	EventHeartbeat = "heartbeat"
)

const (
	// DefaultInactivityWindow : au-delà, une session est considérée inactive
	DefaultInactivityWindow = 5 * time.Minute
	// DefaultSweepBatch limite le coût du balayage sur un seul appel
	DefaultSweepBatch = 100
)

// VisitorSession représente la durée de vie d'un onglet navigateur.
// Le couple visitor_id/session_id est généré côté client, session_id
// est la clé de corrélation. Les timestamps sont en millisecondes epoch.
type VisitorSession struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	VisitorID string `gorm:"index;not null" json:"visitor_id"`
	SessionID string `gorm:"uniqueIndex;not null" json:"session_id"`
	UserAgent string `json:"user_agent"`
	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `gorm:"index" json:"last_seen"`
	PageCount int    `json:"page_count"`
	Active    bool   `gorm:"index" json:"active"`
}

// VisitorEvent représente une vue de page (jamais un heartbeat).
// Table en append-only : aucune ligne n'est modifiée après insertion.
type VisitorEvent struct {
	ID         uint64 `gorm:"primaryKey" json:"id"`
	SessionID  string `gorm:"index;not null" json:"session_id"`
	VisitorID  string `gorm:"index;not null" json:"visitor_id"`
	Path       string `gorm:"not null" json:"path"`
	Referrer   string `json:"referrer"`
	Country    string `gorm:"index" json:"country"`
	OccurredAt int64  `gorm:"index" json:"occurred_at"`
	EventType  string `json:"event_type"`
	Active     bool   `gorm:"default:true" json:"active"`
}

// TableName spécifie le nom de la table pour VisitorSession
func (VisitorSession) TableName() string {
	return "visitor_sessions"
}

// TableName spécifie le nom de la table pour VisitorEvent
func (VisitorEvent) TableName() string {
	return "visitor_events"
}
