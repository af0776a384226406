package handlers_stats

import (
	"littlestats/internal/models/clvisitors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const topLimit = 10

type StatsHandler struct {
	service *clvisitors.Service
}

func NewStatsHandler(service *clvisitors.Service) *StatsHandler {
	return &StatsHandler{
		service: service,
	}
}

// GetStats retourne les statistiques agrégées de la plage demandée
func (sh *StatsHandler) GetStats(c *gin.Context) {
	rng, ok := requestedRange(c)
	if !ok {
		return
	}

	stats, err := sh.service.Stats(rng)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve analytics",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetRealtimeStats retourne les compteurs du jour depuis Redis
func (sh *StatsHandler) GetRealtimeStats(c *gin.Context) {
	stats, err := sh.service.RealtimeStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve realtime stats",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetCountries retourne la répartition par pays sur la plage demandée
func (sh *StatsHandler) GetCountries(c *gin.Context) {
	rng, ok := requestedRange(c)
	if !ok {
		return
	}

	countries, err := sh.service.TopCountries(rng, topLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve country stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"range":     rng,
		"countries": countries,
	})
}

// GetPages retourne les pages et referrers les plus fréquents
func (sh *StatsHandler) GetPages(c *gin.Context) {
	rng, ok := requestedRange(c)
	if !ok {
		return
	}

	pages, err := sh.service.TopPages(rng, topLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve page stats",
		})
		return
	}

	referrers, err := sh.service.TopReferrers(rng, topLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve referrer stats",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"range":     rng,
		"pages":     pages,
		"referrers": referrers,
	})
}

func requestedRange(c *gin.Context) (string, bool) {
	rng := c.DefaultQuery("range", clvisitors.RangeToday)
	if !clvisitors.ValidRange(rng) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "range doit être today, month, year ou all",
		})
		return "", false
	}
	return rng, true
}
