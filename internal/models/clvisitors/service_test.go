package clvisitors

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ============= Setup =============

func setupTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	testDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := NewGormStore(testDB)
	require.NoError(t, store.Migrate())

	return store, testDB
}

func setupTestService(t *testing.T) (*Service, *gorm.DB) {
	store, testDB := setupTestStore(t)
	service := NewService(store, nil, Options{})
	return service, testDB
}

func pageView(sessionID, visitorID, path string) *TrackRequest {
	return &TrackRequest{
		SessionID: sessionID,
		VisitorID: visitorID,
		Path:      path,
		EventType: EventPageView,
	}
}

func heartbeat(sessionID, visitorID string) *TrackRequest {
	return &TrackRequest{
		SessionID: sessionID,
		VisitorID: visitorID,
		Path:      "/",
		EventType: EventHeartbeat,
	}
}

// memStore est le fake en mémoire : il permet de tester la logique
// d'ingestion sans base, y compris les pannes de stockage
type memStore struct {
	sessions   map[string]*VisitorSession
	events     []VisitorEvent
	failCreate bool
	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*VisitorSession)}
}

func (m *memStore) SessionBySessionID(sessionID string) (*VisitorSession, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *session
	return &clone, nil
}

func (m *memStore) CreateSession(session *VisitorSession) error {
	if m.failCreate {
		return errors.New("store unavailable")
	}
	clone := *session
	m.sessions[session.SessionID] = &clone
	return nil
}

func (m *memStore) TouchSession(sessionID string, now int64, userAgent string, pageView bool) error {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	session.LastSeen = now
	session.Active = true
	if userAgent != "" {
		session.UserAgent = userAgent
	}
	if pageView {
		session.PageCount++
	}
	return nil
}

func (m *memStore) AppendEvent(event *VisitorEvent) error {
	if m.failAppend {
		return errors.New("store unavailable")
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *memStore) EventsSince(start int64) ([]VisitorEvent, error) {
	var events []VisitorEvent
	for _, event := range m.events {
		if start < 0 || event.OccurredAt >= start {
			events = append(events, event)
		}
	}
	return events, nil
}

func (m *memStore) SweepStale(before int64, limit int) (int64, error) {
	var stale []*VisitorSession
	for _, session := range m.sessions {
		if session.Active && session.LastSeen < before {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].LastSeen < stale[j].LastSeen })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	for _, session := range stale {
		session.Active = false
	}
	return int64(len(stale)), nil
}

func (m *memStore) CountActiveSessions(after int64) (int64, error) {
	var count int64
	for _, session := range m.sessions {
		if session.LastSeen > after {
			count++
		}
	}
	return count, nil
}

func (m *memStore) TopCountries(start int64, limit int) ([]CountryStat, error) {
	return nil, nil
}

func (m *memStore) TopPages(start int64, limit int) ([]PageStat, error) {
	return nil, nil
}

func (m *memStore) TopReferrers(start int64, limit int) ([]ReferrerStat, error) {
	return nil, nil
}

func (m *memStore) DeleteBefore(before int64) (int64, int64, error) {
	return 0, 0, nil
}

// ============= Tests d'ingestion =============

func TestTrackCreatesSessionOnFirstSignal(t *testing.T) {
	service, testDB := setupTestService(t)

	err := service.Track(pageView("s1", "v1", "/cours/go"))
	require.NoError(t, err)

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	assert.Equal(t, "v1", session.VisitorID)
	assert.Equal(t, 1, session.PageCount)
	assert.True(t, session.Active)
	assert.Equal(t, session.FirstSeen, session.LastSeen)
	assert.InDelta(t, time.Now().UnixMilli(), session.FirstSeen, float64(5*time.Second.Milliseconds()))

	var event VisitorEvent
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&event).Error)
	assert.Equal(t, "/cours/go", event.Path)
	assert.Equal(t, EventPageView, event.EventType)
	assert.True(t, event.Active)
}

func TestTrackUpsertIdempotentOnSessionID(t *testing.T) {
	service, testDB := setupTestService(t)

	// Plusieurs signaux sur la même session ne créent jamais de doublon
	// et first_seen n'est posé qu'une seule fois
	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))

	var created VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&created).Error)

	require.NoError(t, service.Track(pageView("s1", "v1", "/b")))
	require.NoError(t, service.Track(heartbeat("s1", "v1")))

	var count int64
	testDB.Model(&VisitorSession{}).Where("session_id = ?", "s1").Count(&count)
	assert.Equal(t, int64(1), count)

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	assert.Equal(t, created.FirstSeen, session.FirstSeen)
	assert.GreaterOrEqual(t, session.LastSeen, session.FirstSeen)
}

func TestTrackPageCountIgnoresHeartbeats(t *testing.T) {
	service, testDB := setupTestService(t)

	// 3 vues de page, 2 heartbeats : pageCount == 3, journal == 3 lignes
	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))
	require.NoError(t, service.Track(heartbeat("s1", "v1")))
	require.NoError(t, service.Track(pageView("s1", "v1", "/b")))
	require.NoError(t, service.Track(heartbeat("s1", "v1")))
	require.NoError(t, service.Track(pageView("s1", "v1", "/c")))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	assert.Equal(t, 3, session.PageCount)

	var events int64
	testDB.Model(&VisitorEvent{}).Where("session_id = ?", "s1").Count(&events)
	assert.Equal(t, int64(3), events)
}

func TestTrackHeartbeatCreatesSessionWithoutEvent(t *testing.T) {
	service, testDB := setupTestService(t)

	require.NoError(t, service.Track(heartbeat("s1", "v1")))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	assert.Equal(t, 0, session.PageCount)
	assert.True(t, session.Active)

	var events int64
	testDB.Model(&VisitorEvent{}).Count(&events)
	assert.Equal(t, int64(0), events)
}

func TestTrackBackfillsUserAgentOnce(t *testing.T) {
	service, testDB := setupTestService(t)

	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))

	second := pageView("s1", "v1", "/b")
	second.UserAgent = "Mozilla/5.0"
	require.NoError(t, service.Track(second))

	third := pageView("s1", "v1", "/c")
	third.UserAgent = "curl/8.0"
	require.NoError(t, service.Track(third))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	// le premier user agent non vide gagne, jamais écrasé ensuite
	assert.Equal(t, "Mozilla/5.0", session.UserAgent)
}

func TestTrackLastSeenMonotonic(t *testing.T) {
	service, testDB := setupTestService(t)

	var previous int64
	for i := 0; i < 5; i++ {
		require.NoError(t, service.Track(heartbeat("s1", "v1")))

		var session VisitorSession
		require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
		assert.GreaterOrEqual(t, session.LastSeen, previous)
		previous = session.LastSeen
	}
}

func TestTrackDefaultsToPageView(t *testing.T) {
	service, testDB := setupTestService(t)

	req := &TrackRequest{SessionID: "s1", VisitorID: "v1", Path: "/a"}
	require.NoError(t, service.Track(req))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	assert.Equal(t, 1, session.PageCount)
}

func TestTrackReactivatesSweptSession(t *testing.T) {
	service, testDB := setupTestService(t)

	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	require.NoError(t, testDB.Create(&VisitorSession{
		SessionID: "s1",
		VisitorID: "v1",
		FirstSeen: old,
		LastSeen:  old,
		Active:    false,
	}).Error)

	require.NoError(t, service.Track(heartbeat("s1", "v1")))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "s1").First(&session).Error)
	assert.True(t, session.Active)
}

// ============= Tests du balayage =============

func TestSweepTriggeredByUnrelatedIngestion(t *testing.T) {
	service, testDB := setupTestService(t)

	// Session muette depuis 6 minutes, fenêtre de 5 : c'est un signal
	// d'une AUTRE session qui doit la faire basculer en inactive
	stale := time.Now().Add(-6 * time.Minute).UnixMilli()
	require.NoError(t, testDB.Create(&VisitorSession{
		SessionID: "stale",
		VisitorID: "v1",
		FirstSeen: stale,
		LastSeen:  stale,
		Active:    true,
	}).Error)

	require.NoError(t, service.Track(pageView("fresh", "v2", "/")))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "stale").First(&session).Error)
	assert.False(t, session.Active)

	// la session fraîche n'est pas touchée
	require.NoError(t, testDB.Where("session_id = ?", "fresh").First(&session).Error)
	assert.True(t, session.Active)
}

func TestSweepBoundedByBatchSize(t *testing.T) {
	store, testDB := setupTestStore(t)
	service := NewService(store, nil, Options{SweepBatch: 10})

	stale := time.Now().Add(-time.Hour).UnixMilli()
	for i := 0; i < 25; i++ {
		require.NoError(t, testDB.Create(&VisitorSession{
			SessionID: "stale-" + string(rune('a'+i)),
			VisitorID: "v1",
			FirstSeen: stale,
			LastSeen:  stale + int64(i),
			Active:    true,
		}).Error)
	}

	// un seul appel ne bascule que batch sessions, quel que soit le retard
	require.NoError(t, service.Track(pageView("fresh", "v2", "/")))

	var inactive int64
	testDB.Model(&VisitorSession{}).Where("active = ?", false).Count(&inactive)
	assert.Equal(t, int64(10), inactive)

	// l'appel suivant rattrape un lot de plus
	require.NoError(t, service.Track(heartbeat("fresh", "v2")))
	testDB.Model(&VisitorSession{}).Where("active = ?", false).Count(&inactive)
	assert.Equal(t, int64(20), inactive)
}

func TestSweepOldestFirst(t *testing.T) {
	store, testDB := setupTestStore(t)
	service := NewService(store, nil, Options{SweepBatch: 1})

	now := time.Now()
	require.NoError(t, testDB.Create(&VisitorSession{
		SessionID: "older",
		VisitorID: "v1",
		LastSeen:  now.Add(-time.Hour).UnixMilli(),
		Active:    true,
	}).Error)
	require.NoError(t, testDB.Create(&VisitorSession{
		SessionID: "newer",
		VisitorID: "v1",
		LastSeen:  now.Add(-10 * time.Minute).UnixMilli(),
		Active:    true,
	}).Error)

	require.NoError(t, service.Track(pageView("fresh", "v2", "/")))

	var session VisitorSession
	require.NoError(t, testDB.Where("session_id = ?", "older").First(&session).Error)
	assert.False(t, session.Active)
	require.NoError(t, testDB.Where("session_id = ?", "newer").First(&session).Error)
	assert.True(t, session.Active)
}

// ============= Tests d'agrégation =============

func TestStatsEmptyStore(t *testing.T) {
	service, _ := setupTestService(t)

	stats, err := service.Stats(RangeToday)
	require.NoError(t, err)

	assert.Equal(t, RangeToday, stats.Range)
	assert.Equal(t, 0, stats.TotalVisits)
	assert.Equal(t, 0, stats.UniqueVisitors)
	assert.Equal(t, 0, stats.UniqueSessions)
	assert.Equal(t, int64(0), stats.ActiveNow)
	assert.NotNil(t, stats.Start)
	assert.Empty(t, stats.Timeline)
}

func TestStatsCardinality(t *testing.T) {
	service, _ := setupTestService(t)

	// 3 vues réparties sur 2 sessions du même visiteur
	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))
	require.NoError(t, service.Track(pageView("s1", "v1", "/b")))
	require.NoError(t, service.Track(pageView("s2", "v1", "/a")))

	stats, err := service.Stats(RangeAll)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalVisits)
	assert.Equal(t, 1, stats.UniqueVisitors)
	assert.Equal(t, 2, stats.UniqueSessions)
	assert.Nil(t, stats.Start)
	assert.NotEmpty(t, stats.Timeline)
}

func TestStatsTimelineSumMatchesTotal(t *testing.T) {
	service, _ := setupTestService(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, service.Track(pageView("s1", "v1", "/a")))
	}

	stats, err := service.Stats(RangeToday)
	require.NoError(t, err)
	require.Len(t, stats.Timeline, 24)

	total := 0
	for _, point := range stats.Timeline {
		total += point.Visits
	}
	assert.Equal(t, stats.TotalVisits, total)
	assert.Equal(t, 5, total)
}

func TestStatsActiveNowIndependentOfRange(t *testing.T) {
	service, _ := setupTestService(t)

	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))
	require.NoError(t, service.Track(pageView("s2", "v2", "/b")))

	today, err := service.Stats(RangeToday)
	require.NoError(t, err)
	month, err := service.Stats(RangeMonth)
	require.NoError(t, err)
	all, err := service.Stats(RangeAll)
	require.NoError(t, err)

	assert.Equal(t, int64(2), today.ActiveNow)
	assert.Equal(t, today.ActiveNow, month.ActiveNow)
	assert.Equal(t, today.ActiveNow, all.ActiveNow)
}

func TestStatsActiveNowExcludesStaleSessions(t *testing.T) {
	service, testDB := setupTestService(t)

	stale := time.Now().Add(-6 * time.Minute).UnixMilli()
	require.NoError(t, testDB.Create(&VisitorSession{
		SessionID: "stale",
		VisitorID: "v1",
		LastSeen:  stale,
		Active:    true,
	}).Error)

	require.NoError(t, service.Track(pageView("fresh", "v2", "/")))

	stats, err := service.Stats(RangeToday)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveNow)
}

func TestStatsWindowExcludesOldEvents(t *testing.T) {
	service, testDB := setupTestService(t)

	// un événement du mois dernier ne compte pas dans "today"
	lastMonth := time.Now().AddDate(0, -1, 0).UnixMilli()
	require.NoError(t, testDB.Create(&VisitorEvent{
		SessionID:  "s0",
		VisitorID:  "v0",
		Path:       "/",
		OccurredAt: lastMonth,
		EventType:  EventPageView,
		Active:     true,
	}).Error)

	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))

	today, err := service.Stats(RangeToday)
	require.NoError(t, err)
	assert.Equal(t, 1, today.TotalVisits)

	all, err := service.Stats(RangeAll)
	require.NoError(t, err)
	assert.Equal(t, 2, all.TotalVisits)
}

func TestStatsIgnoresInactiveEvents(t *testing.T) {
	service, testDB := setupTestService(t)

	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))

	// rien n'écrit active=false aujourd'hui, mais le filtre doit tenir
	// si un soft-delete apparaît dans le schéma
	require.NoError(t, testDB.Model(&VisitorEvent{}).
		Where("session_id = ?", "s1").
		Update("active", false).Error)

	stats, err := service.Stats(RangeToday)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalVisits)
	assert.Empty(t, stats.Timeline)
}

// ============= Tests sur le fake en mémoire =============

func TestTrackWithMemStore(t *testing.T) {
	store := newMemStore()
	service := NewService(store, nil, Options{})

	require.NoError(t, service.Track(pageView("s1", "v1", "/a")))
	require.NoError(t, service.Track(heartbeat("s1", "v1")))

	session, err := store.SessionBySessionID("s1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, 1, session.PageCount)
	assert.Len(t, store.events, 1)
}

func TestTrackPropagatesStorageFailure(t *testing.T) {
	store := newMemStore()
	store.failCreate = true
	service := NewService(store, nil, Options{})

	// l'erreur remonte au handler, qui la loguera sans la montrer au client
	err := service.Track(pageView("s1", "v1", "/a"))
	assert.Error(t, err)
}

func TestRealtimeStatsWithoutRedis(t *testing.T) {
	service, _ := setupTestService(t)

	stats, err := service.RealtimeStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["today_page_views"])
	assert.Equal(t, int64(0), stats["today_unique_visitors"])
}
