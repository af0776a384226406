package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"littlestats/internal/clconfig"
	"littlestats/internal/clmiddleware"
	"littlestats/internal/gormzerologger"
	handlers_collector "littlestats/internal/handlers/collector"
	handlers_stats "littlestats/internal/handlers/stats"
	handlers_track "littlestats/internal/handlers/track"
	"littlestats/internal/models/clgeo"
	"littlestats/internal/models/cllog"
	"littlestats/internal/models/clvisitors"

	"github.com/andskur/argon2-hashing"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/penglongli/gin-metrics/ginmetrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const VERSION string = "0.1.0"

// global instance
var (
	db            *gorm.DB
	configuration *clconfig.Config
	service       *clvisitors.Service
	geoResolver   *clgeo.Resolver
	BuildID       string
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func parseCommandLineArgs() (configFile string, shouldCreateExample bool, versionDisplay bool, err error) {
	var config = flag.String("config", "", "Fichier de configuration YAML")
	var example = flag.Bool("example", false, "Créer un fichier de configuration exemple")
	var version = flag.Bool("version", false, "version du produit")
	flag.Parse()

	if *version {
		return "", false, true, nil
	}

	if *example {
		return "", true, false, nil
	}

	if *config == "" {
		return "", false, false, fmt.Errorf("fichier de configuration requis")
	}

	return *config, false, false, nil
}

func loadAndConvertConfig(configFile string) (*clconfig.Config, error) {
	conf, err := clconfig.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("erreur chargement config: %v", err)
	}

	if err := clconfig.ValidateConfig(conf); err != nil {
		return nil, err
	}

	if conf.User.Pass != "" {
		if len(conf.User.Pass) < 8 {
			return nil, fmt.Errorf("le mot de passe doit contenir au moins 8 caractères")
		}

		hash, err := argon2.GenerateFromPassword([]byte(conf.User.Pass), argon2.DefaultParams)
		if err != nil {
			return nil, err
		}
		conf.User.Hash = string(hash)
		conf.User.Pass = ""
		err = clconfig.WriteConfigYaml(configFile, conf)
		if err != nil {
			return nil, err
		}
	}

	return conf, nil
}

func initConfiguration() {
	configFile, shouldCreateExample, versionDisplay, err := parseCommandLineArgs()
	if err != nil {
		fmt.Println("Usage:")
		fmt.Println("  littlestats -config littlestats.yaml")
		fmt.Println("  littlestats -example  (pour créer un fichier exemple)")
		fmt.Println("  littlestats -version  (affiche la version)")
		os.Exit(1)
	}

	if versionDisplay {
		println(VERSION)
		os.Exit(0)
	}

	clconfig.CreateExample(shouldCreateExample, configFile)

	conf, err := loadAndConvertConfig(configFile)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	configuration = conf
}

func initDatabase() *clvisitors.GormStore {
	level := "warn"
	if configuration.Logger.Level == "debug" || !configuration.Production {
		level = "trace"
	}

	var err error
	switch configuration.Database.Db {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(configuration.Database.Path), &gorm.Config{
			Logger: gormzerologger.New(level),
		})
	case "mysql":
		db, err = gorm.Open(mysql.Open(configuration.Database.Dsn), &gorm.Config{
			Logger: gormzerologger.New(level),
		})
	default:
		err = fmt.Errorf("le type de database doit etre sqlite ou mysql")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Erreur connexion base de données")
	}

	store := clvisitors.NewGormStore(db)
	if err := store.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Erreur migration")
	}

	log.Info().Msg("Base de données initialisée avec succès")
	return store
}

func newRedisClient() *redis.Client {
	if configuration.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr: configuration.Redis.Addr,
		DB:   configuration.Redis.Db,
	})
}

func initService(store *clvisitors.GormStore) {
	var err error
	geoResolver, err = clgeo.Open(configuration.Analytics.GeoIPPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Erreur chargement base GeoIP")
	}

	service = clvisitors.NewService(store, newRedisClient(), clvisitors.Options{
		InactivityWindow: configuration.Analytics.Window,
		SweepBatch:       configuration.Analytics.SweepBatch,
		SweepCron:        configuration.Analytics.SweepCron,
		RetentionDays:    configuration.Analytics.RetentionDays,
	})
}

func newServer() *gin.Engine {
	if configuration.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	if configuration.TrustedProxies != nil {
		r.SetTrustedProxies(configuration.TrustedProxies)
	}
	if configuration.TrustedPlatform != "" {
		switch configuration.TrustedPlatform {
		case "cloudflare":
			r.TrustedPlatform = gin.PlatformCloudflare
		case "flyio":
			r.TrustedPlatform = gin.PlatformFlyIO
		default:
			r.TrustedPlatform = configuration.TrustedPlatform
		}
	}

	return r
}

func setRoutes(r *gin.Engine) {
	trackHandler := handlers_track.NewTrackHandler(service, geoResolver)
	statsHandler := handlers_stats.NewStatsHandler(service)

	// middleware rate limiter
	middlewareLimiter := clmiddleware.NewLimiter()

	// metrics gin (exposées sur le port metrics)
	metrics := ginmetrics.GetMonitor()
	metrics.Use(r)

	// Script de collecte embarqué
	r.GET("/collector.js", handlers_collector.ServeCollector())

	// Routes d'authentification
	r.POST("/api/login", middlewareLimiter, loginHandler)
	r.POST("/api/logout", logoutHandler)

	api := r.Group("/api")
	{
		// Ingestion publique, appelée par le collecteur
		api.POST("/track", trackHandler.Track)

		// Statistiques réservées à l'opérateur
		stats := api.Group("/stats")
		stats.Use(clmiddleware.AuthRequired())
		{
			stats.GET("", statsHandler.GetStats)
			stats.GET("/realtime", statsHandler.GetRealtimeStats)
			stats.GET("/countries", statsHandler.GetCountries)
			stats.GET("/pages", statsHandler.GetPages)
		}
	}
}

// ============= HANDLERS D'AUTHENTIFICATION =============

func loginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Données invalides"})
		return
	}

	// Vérification login / pass
	err := argon2.CompareHashAndPassword([]byte(configuration.User.Hash), []byte(req.Password))
	if err != nil || req.Username != configuration.User.Login {
		log.Warn().
			Str("user", req.Username).
			Str("ip", c.ClientIP()).
			Msg("Tentative de connexion échouée")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Identifiants incorrects"})
		return
	}
	log.Info().
		Str("user", req.Username).
		Str("ip", c.ClientIP()).
		Msg("Connexion réussie")

	// Créer la session
	session := sessions.Default(c)
	session.Set("user_id", "admin")
	session.Set("username", req.Username)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Erreur session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Connexion réussie"})
}

func logoutHandler(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Save()

	c.JSON(http.StatusOK, gin.H{"message": "Déconnexion réussie"})
}

func startServer(r *gin.Engine) {
	if configuration.Listen.Metrics != "" {
		log.Info().Msgf("Metrics disponible sur http://%s/metrics", configuration.Listen.Metrics)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(configuration.Listen.Metrics, nil)
		}()
	}

	log.Info().Msgf("Collecteur disponible sur http://%s/collector.js", configuration.Listen.Website)
	log.Info().Msgf("API démarrée sur http://%s/api", configuration.Listen.Website)
	r.Run(configuration.Listen.Website)
}

func main() {
	if BuildID == "" {
		BuildID = VERSION
	}

	initConfiguration()
	cllog.InitLogger(configuration.Logger, configuration.Production)

	store := initDatabase()
	initService(store)
	defer service.Stop()
	defer geoResolver.Close()

	r := newServer()

	clmiddleware.InitMiddleware(r, configuration.Production)
	setRoutes(r)

	startServer(r)
}
