package handlers_collector

import (
	"crypto/sha256"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed collector.js
var collectorJS []byte

// ServeCollector sert le script de collecte embarqué, minifié une seule
// fois au démarrage, avec des en-têtes de cache longue durée
func ServeCollector() gin.HandlerFunc {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)

	minified, err := m.Bytes("application/javascript", collectorJS)
	if err != nil {
		minified = collectorJS
	}
	etag := generateETag(minified)

	return func(c *gin.Context) {
		c.Header("Cache-Control", "public, max-age=3600")
		c.Header("ETag", etag)

		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}

		c.Data(http.StatusOK, "application/javascript", minified)
	}
}

// Fonction helper pour générer un ETag
func generateETag(content []byte) string {
	hash := sha256.Sum256(content)
	return fmt.Sprintf(`"%x"`, hash[:16])
}
