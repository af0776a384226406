package clvisitors

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Options regroupe les réglages du moteur (valeurs par défaut appliquées
// par NewService quand un champ est à zéro)
type Options struct {
	InactivityWindow time.Duration
	SweepBatch       int
	SweepCron        string
	RetentionDays    int
}

// TrackRequest est le signal envoyé par le collecteur navigateur
type TrackRequest struct {
	SessionID string `json:"sessionId"`
	VisitorID string `json:"visitorId"`
	Path      string `json:"path"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"userAgent"`
	EventType string `json:"eventType"`
	Country   string `json:"-"`
}

type Service struct {
	store  Store
	redis  *redis.Client
	cron   *cron.Cron
	window time.Duration
	batch  int
}

func NewService(store Store, redisClient *redis.Client, opts Options) *Service {
	if opts.InactivityWindow <= 0 {
		opts.InactivityWindow = DefaultInactivityWindow
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultSweepBatch
	}

	s := &Service{
		store:  store,
		redis:  redisClient,
		window: opts.InactivityWindow,
		batch:  opts.SweepBatch,
	}
	s.cron = s.setupMaintenanceCron(opts)
	return s
}

// Track est l'unique chemin d'écriture : upsert de la session, ajout
// éventuel dans le journal d'événements, puis balayage des sessions
// périmées en profitant de l'appel (pas de job dédié nécessaire).
func (s *Service) Track(req *TrackRequest) error {
	now := time.Now().UnixMilli()

	eventType := req.EventType
	if eventType != EventHeartbeat {
		eventType = EventPageView
	}
	pageView := eventType == EventPageView

	existing, err := s.store.SessionBySessionID(req.SessionID)
	if err != nil {
		return err
	}

	if existing == nil {
		pageCount := 0
		if pageView {
			pageCount = 1
		}
		err = s.store.CreateSession(&VisitorSession{
			VisitorID: req.VisitorID,
			SessionID: req.SessionID,
			UserAgent: req.UserAgent,
			FirstSeen: now,
			LastSeen:  now,
			PageCount: pageCount,
			Active:    true,
		})
	} else {
		// le user agent n'est renseigné qu'une seule fois
		userAgent := ""
		if existing.UserAgent == "" && req.UserAgent != "" {
			userAgent = req.UserAgent
		}
		err = s.store.TouchSession(req.SessionID, now, userAgent, pageView)
	}
	if err != nil {
		return err
	}

	// les heartbeats ne laissent aucune trace dans le journal
	if pageView {
		err = s.store.AppendEvent(&VisitorEvent{
			SessionID:  req.SessionID,
			VisitorID:  req.VisitorID,
			Path:       req.Path,
			Referrer:   req.Referrer,
			Country:    req.Country,
			OccurredAt: now,
			EventType:  EventPageView,
			Active:     true,
		})
		if err != nil {
			return err
		}
		s.updateRealtimeCounters(req.VisitorID, now)
	}

	s.sweepOnce(now)
	return nil
}

// sweepOnce désactive un lot borné de sessions muettes depuis plus de
// window. Les erreurs sont loguées sans remonter : l'entretien ne doit
// jamais faire échouer l'ingestion.
func (s *Service) sweepOnce(now int64) {
	flipped, err := s.store.SweepStale(now-s.window.Milliseconds(), s.batch)
	if err != nil {
		log.Error().Err(err).Msg("stale sweep failed")
		return
	}
	if flipped > 0 {
		log.Debug().Int64("sessions", flipped).Msg("stale sessions deactivated")
	}
}

// updateRealtimeCounters alimente les compteurs Redis du jour pour un
// accès rapide (optionnel, ignoré si Redis n'est pas configuré)
func (s *Service) updateRealtimeCounters(visitorID string, now int64) {
	if s.redis == nil {
		return
	}
	ctx := context.Background()
	day := time.UnixMilli(now).Format("2006-01-02")

	cacheKey := fmt.Sprintf("analytics:daily:%s", day)
	s.redis.HIncrBy(ctx, cacheKey, "page_views", 1)
	s.redis.Expire(ctx, cacheKey, 31*24*time.Hour)

	// Marquer le visiteur comme vu aujourd'hui
	visitorKey := fmt.Sprintf("analytics:visitors:%s", day)
	s.redis.SAdd(ctx, visitorKey, visitorID)
	s.redis.Expire(ctx, visitorKey, 31*24*time.Hour)
}

// RealtimeStats récupère les compteurs du jour depuis Redis
func (s *Service) RealtimeStats() (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"today_page_views":      int64(0),
		"today_unique_visitors": int64(0),
	}
	if s.redis == nil {
		return stats, nil
	}

	ctx := context.Background()
	today := time.Now().Format("2006-01-02")

	cacheKey := fmt.Sprintf("analytics:daily:%s", today)
	pageViews, err := s.redis.HGet(ctx, cacheKey, "page_views").Int64()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	visitorKey := fmt.Sprintf("analytics:visitors:%s", today)
	uniqueVisitors, err := s.redis.SCard(ctx, visitorKey).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	stats["today_page_views"] = pageViews
	stats["today_unique_visitors"] = uniqueVisitors
	return stats, nil
}

// setupMaintenanceCron planifie le balayage périodique et la purge de
// rétention quand ils sont activés dans la configuration. Le balayage
// par requête reste le mécanisme principal, le cron couvre les périodes
// creuses où aucun trafic ne déclenche l'entretien.
func (s *Service) setupMaintenanceCron(opts Options) *cron.Cron {
	if opts.SweepCron == "" && opts.RetentionDays <= 0 {
		return nil
	}

	c := cron.New()

	if opts.SweepCron != "" {
		_, err := c.AddFunc(opts.SweepCron, func() {
			s.sweepOnce(time.Now().UnixMilli())
		})
		if err != nil {
			log.Error().Err(err).Str("spec", opts.SweepCron).Msg("invalid sweep cron spec")
		}
	}

	if opts.RetentionDays > 0 {
		retention := opts.RetentionDays
		// Exécuter tous les jours à 2h du matin
		c.AddFunc("0 2 * * *", func() {
			before := time.Now().AddDate(0, 0, -retention).UnixMilli()
			events, sessions, err := s.store.DeleteBefore(before)
			if err != nil {
				log.Error().Err(err).Msg("retention cleanup failed")
				return
			}
			log.Info().
				Int64("events", events).
				Int64("sessions", sessions).
				Msg("retention cleanup completed")
		})
	}

	c.Start()
	return c
}

// Stop arrête les tâches planifiées
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
