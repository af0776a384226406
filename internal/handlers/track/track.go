package handlers_track

import (
	"littlestats/internal/models/clgeo"
	"littlestats/internal/models/clvisitors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type TrackHandler struct {
	service *clvisitors.Service
	geo     *clgeo.Resolver
}

func NewTrackHandler(service *clvisitors.Service, geo *clgeo.Resolver) *TrackHandler {
	return &TrackHandler{
		service: service,
		geo:     geo,
	}
}

// Track ingère un signal du collecteur. Télémétrie best-effort : la
// réponse est toujours {"ok": true}, un échec de stockage est logué mais
// jamais exposé au navigateur pour ne pas casser le produit.
func (th *TrackHandler) Track(c *gin.Context) {
	var req clvisitors.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug().Err(err).Msg("unreadable track payload, dropped")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	// Sans identité de corrélation, le signal est inexploitable
	if req.SessionID == "" || req.VisitorID == "" || req.Path == "" {
		log.Debug().
			Str("session_id", req.SessionID).
			Str("visitor_id", req.VisitorID).
			Msg("incomplete track payload, dropped")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	req.Country = th.geo.Country(getClientIP(c))

	if err := th.service.Track(&req); err != nil {
		log.Error().Err(err).
			Str("session_id", req.SessionID).
			Msg("Error recording visitor signal")
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// getClientIP récupère l'IP réelle du client
func getClientIP(c *gin.Context) string {
	// Vérifier les headers de proxy
	ip := c.GetHeader("X-Real-IP")
	if ip == "" {
		ip = c.GetHeader("X-Forwarded-For")
		if ip != "" {
			// Prendre la première IP si plusieurs
			ips := strings.Split(ip, ",")
			ip = strings.TrimSpace(ips[0])
		}
	}
	if ip == "" {
		ip = c.ClientIP()
	}
	return ip
}
