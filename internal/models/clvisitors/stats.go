package clvisitors

import (
	"fmt"
	"sort"
	"time"
)

const (
	RangeToday = "today"
	RangeMonth = "month"
	RangeYear  = "year"
	RangeAll   = "all"
)

// ValidRange indique si la plage demandée est connue
func ValidRange(r string) bool {
	switch r {
	case RangeToday, RangeMonth, RangeYear, RangeAll:
		return true
	}
	return false
}

// StatsResult est la réponse complète du tableau de bord pour une plage
type StatsResult struct {
	Range          string          `json:"range"`
	TotalVisits    int             `json:"totalVisits"`
	UniqueVisitors int             `json:"uniqueVisitors"`
	UniqueSessions int             `json:"uniqueSessions"`
	ActiveNow      int64           `json:"activeNow"`
	Start          *int64          `json:"start"`
	End            int64           `json:"end"`
	Timeline       []TimelinePoint `json:"timeline"`
}

// TimelinePoint est un intervalle [from, to) de la chronologie
type TimelinePoint struct {
	Label  string `json:"label"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
	Visits int    `json:"visits"`
}

// Stats calcule les statistiques agrégées d'une plage : lecture pure,
// aucun effet de bord. Une plage sans données retourne des compteurs à
// zéro et une chronologie vide, jamais une erreur.
func (s *Service) Stats(rng string) (*StatsResult, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	start := rangeStart(rng, now)

	events, err := s.store.EventsSince(startOrAll(start))
	if err != nil {
		return nil, err
	}

	// Filtre défensif : occurred_at dans le futur ou événement marqué
	// inactif. Rien n'écrit active=false sur les événements aujourd'hui,
	// le filtre protège une évolution future du schéma (soft-delete).
	relevant := events[:0]
	for _, event := range events {
		if event.OccurredAt <= nowMs && event.Active {
			relevant = append(relevant, event)
		}
	}

	visitors := make(map[string]struct{})
	sessions := make(map[string]struct{})
	for _, event := range relevant {
		visitors[event.VisitorID] = struct{}{}
		sessions[event.SessionID] = struct{}{}
	}

	// activeNow est un compteur de présence instantané, indépendant de
	// la plage demandée
	activeNow, err := s.store.CountActiveSessions(nowMs - s.window.Milliseconds())
	if err != nil {
		return nil, err
	}

	return &StatsResult{
		Range:          rng,
		TotalVisits:    len(relevant),
		UniqueVisitors: len(visitors),
		UniqueSessions: len(sessions),
		ActiveNow:      activeNow,
		Start:          start,
		End:            nowMs,
		Timeline:       BuildTimeline(relevant, rng, now),
	}, nil
}

// TopCountries retourne la répartition par pays sur la plage demandée
func (s *Service) TopCountries(rng string, limit int) ([]CountryStat, error) {
	return s.store.TopCountries(startOrAll(rangeStart(rng, time.Now())), limit)
}

// TopPages retourne les pages les plus vues sur la plage demandée
func (s *Service) TopPages(rng string, limit int) ([]PageStat, error) {
	return s.store.TopPages(startOrAll(rangeStart(rng, time.Now())), limit)
}

// TopReferrers retourne les referrers les plus fréquents sur la plage
func (s *Service) TopReferrers(rng string, limit int) ([]ReferrerStat, error) {
	return s.store.TopReferrers(startOrAll(rangeStart(rng, time.Now())), limit)
}

// rangeStart résout la borne basse d'une plage en heure locale.
// nil pour "all" : aucune borne.
func rangeStart(rng string, now time.Time) *int64 {
	var start int64
	switch rng {
	case RangeToday:
		start = startOfDay(now)
	case RangeMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).UnixMilli()
	case RangeYear:
		start = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location()).UnixMilli()
	default:
		return nil
	}
	return &start
}

func startOrAll(start *int64) int64 {
	if start == nil {
		return -1
	}
	return *start
}

func startOfDay(now time.Time) int64 {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UnixMilli()
}

// BuildTimeline découpe la plage en intervalles contigus dont la
// granularité dépend de la plage : heures pour today, jours pour month,
// mois pour year et all. Un jeu d'événements vide court-circuite en
// chronologie vide pour distinguer "aucune donnée" de "données à zéro".
func BuildTimeline(events []VisitorEvent, rng string, now time.Time) []TimelinePoint {
	if len(events) == 0 {
		return []TimelinePoint{}
	}

	switch rng {
	case RangeToday:
		return hourlyTimeline(events, now)
	case RangeMonth:
		return dailyTimeline(events, now)
	case RangeYear:
		return monthlyTimeline(events, now)
	default:
		return groupedMonthlyTimeline(events, now.Location())
	}
}

// hourlyTimeline : 24 intervalles d'une heure sur la journée courante
func hourlyTimeline(events []VisitorEvent, now time.Time) []TimelinePoint {
	base := startOfDay(now)
	points := make([]TimelinePoint, 0, 24)
	for hour := 0; hour < 24; hour++ {
		from := base + int64(hour)*time.Hour.Milliseconds()
		to := from + time.Hour.Milliseconds()
		points = append(points, TimelinePoint{
			Label:  fmt.Sprintf("%02dh", hour),
			From:   from,
			To:     to,
			Visits: countBetween(events, from, to),
		})
	}
	return points
}

// dailyTimeline : un intervalle par jour calendaire du mois courant
func dailyTimeline(events []VisitorEvent, now time.Time) []TimelinePoint {
	year, month := now.Year(), now.Month()
	days := daysInMonth(year, month, now.Location())
	points := make([]TimelinePoint, 0, days)
	for day := 1; day <= days; day++ {
		from := time.Date(year, month, day, 0, 0, 0, 0, now.Location()).UnixMilli()
		to := time.Date(year, month, day+1, 0, 0, 0, 0, now.Location()).UnixMilli()
		points = append(points, TimelinePoint{
			Label:  fmt.Sprintf("%02d/%02d", day, int(month)),
			From:   from,
			To:     to,
			Visits: countBetween(events, from, to),
		})
	}
	return points
}

// monthlyTimeline : un intervalle par mois écoulé de l'année courante,
// de janvier au mois courant inclus
func monthlyTimeline(events []VisitorEvent, now time.Time) []TimelinePoint {
	year := now.Year()
	points := make([]TimelinePoint, 0, int(now.Month()))
	for month := time.January; month <= now.Month(); month++ {
		from := time.Date(year, month, 1, 0, 0, 0, 0, now.Location()).UnixMilli()
		to := time.Date(year, month+1, 1, 0, 0, 0, 0, now.Location()).UnixMilli()
		points = append(points, TimelinePoint{
			Label:  fmt.Sprintf("%02d/%d", int(month), year),
			From:   from,
			To:     to,
			Visits: countBetween(events, from, to),
		})
	}
	return points
}

// groupedMonthlyTimeline regroupe tout l'historique par (année, mois) et
// ne conserve que les 12 derniers groupes : l'ancien historique reste
// compté dans les totaux scalaires mais sort de la chronologie
func groupedMonthlyTimeline(events []VisitorEvent, loc *time.Location) []TimelinePoint {
	grouped := make(map[int64]*TimelinePoint)
	for _, event := range events {
		occurred := time.UnixMilli(event.OccurredAt).In(loc)
		from := time.Date(occurred.Year(), occurred.Month(), 1, 0, 0, 0, 0, loc).UnixMilli()
		if point, ok := grouped[from]; ok {
			point.Visits++
			continue
		}
		grouped[from] = &TimelinePoint{
			Label:  fmt.Sprintf("%02d/%d", int(occurred.Month()), occurred.Year()),
			From:   from,
			To:     time.Date(occurred.Year(), occurred.Month()+1, 1, 0, 0, 0, 0, loc).UnixMilli(),
			Visits: 1,
		}
	}

	points := make([]TimelinePoint, 0, len(grouped))
	for _, point := range grouped {
		points = append(points, *point)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].From < points[j].From
	})

	if len(points) > 12 {
		points = points[len(points)-12:]
	}
	return points
}

func countBetween(events []VisitorEvent, from, to int64) int {
	count := 0
	for _, event := range events {
		if event.OccurredAt >= from && event.OccurredAt < to {
			count++
		}
	}
	return count
}

func daysInMonth(year int, month time.Month, loc *time.Location) int {
	// le jour 0 du mois suivant est le dernier jour du mois courant
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
