package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"callbridge-backend/internal/callstate"
	intDatabase "callbridge-backend/internal/database"
	callsHandler "callbridge-backend/internal/handler/http/calls"
	endpointHandler "callbridge-backend/internal/handler/http/endpoint"
	pushHandler "callbridge-backend/internal/handler/http/push"
	wsHandler "callbridge-backend/internal/handler/ws"
	"callbridge-backend/internal/middleware"
	"callbridge-backend/internal/presence"
	"callbridge-backend/internal/registry"
	"callbridge-backend/internal/repository/cockroach"
	redisRepo "callbridge-backend/internal/repository/redis"
	callService "callbridge-backend/internal/service/call"
	"callbridge-backend/internal/signaling"
	"callbridge-backend/pkg/config"
	"callbridge-backend/pkg/constants"
	pkgDatabase "callbridge-backend/pkg/database"
	"callbridge-backend/pkg/jwt"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/push"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	productionMode := cfg.Server.Environment == "production"
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	// 3. JWT manager
	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		if productionMode {
			log.Fatal("JWT_SECRET environment variable is required in production")
		}
		jwtSecret = "development-only-secret-do-not-use-in-prod"
		logger.Warn("JWT_SECRET not set, using development secret")
	}
	jwtManager := jwt.NewManager(jwtSecret, cfg.JWT.AccessTokenExpiry)

	// 4. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 5. Connect to CockroachDB with exponential backoff
	db := connectCockroach(ctx, cfg)
	if db == nil {
		log.Fatal("Failed to connect to CockroachDB, cannot serve the call history ledger")
	}
	defer db.Close()
	historyRepo := cockroach.NewHistoryRepository(db.Pool, appMetrics)

	// 6. Redis with degraded-mode support
	redisClient := intDatabase.NewRedisClient(&cfg.Redis, appMetrics)
	defer redisClient.Close()
	redisClient.StartHealthCheck(ctx, 10*time.Second)

	presenceRepo := redisRepo.NewPresenceRepository(redisClient)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisClient)
	revocationRepo := redisRepo.NewRevocationRepository(redisClient)

	// 7. Push notifications
	pushSvc := push.NewService(buildPushProvider(cfg, productionMode), pushTokenRepo)

	// 8. Core components
	reg := registry.New(registry.Config{
		HeartbeatTTL:  cfg.Registry.HeartbeatTTL,
		SweepInterval: cfg.Registry.SweepInterval,
		SingleDevice:  cfg.Registry.SingleDevice,
	}, appMetrics)

	hub := wsHandler.NewEventHub(reg, appMetrics, cfg.Server.AllowedOrigins)
	broadcaster := presence.NewBroadcaster(hub, presenceRepo, appMetrics)
	hub.SetBroadcaster(broadcaster)

	sessions := callstate.NewStore()
	router := signaling.NewRouter(sessions, hub, appMetrics)

	callSvc := callService.NewService(callService.Config{
		RingTimeout:       cfg.Call.RingTimeout,
		FinishedRetention: constants.FinishedSessionRetention,
	}, reg, sessions, broadcaster, historyRepo, pushSvc, hub, appMetrics)

	reg.StartSweep(ctx)

	// 9. Handlers
	endpointHdlr := endpointHandler.NewHandler(callSvc)
	callsHdlr := callsHandler.NewHandler(callSvc, router)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	// 10. Gin engine
	engine := gin.New()
	engine.SetTrustedProxies(nil)

	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	engine.Use(prometheusMiddleware.Handler())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	engine.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationRepo))
	{
		v1.POST("/endpoints", endpointHdlr.Register)
		v1.POST("/endpoints/:id/heartbeat", endpointHdlr.Heartbeat)
		v1.DELETE("/endpoints/:id", endpointHdlr.Deregister)

		v1.POST("/calls", callsHdlr.Initiate)
		v1.GET("/calls/history", callsHdlr.History)
		v1.GET("/calls/:id", callsHdlr.Get)
		v1.POST("/calls/:id/accept", callsHdlr.Accept)
		v1.POST("/calls/:id/decline", callsHdlr.Decline)
		v1.POST("/calls/:id/terminate", callsHdlr.Terminate)
		v1.POST("/calls/:id/signal", callsHdlr.Signal)

		v1.POST("/push/tokens", pushHdlr.RegisterToken)
		v1.DELETE("/push/tokens", pushHdlr.UnregisterToken)
		v1.DELETE("/push/tokens/all", pushHdlr.UnregisterAllTokens)

		v1.GET("/events/ws", hub.ServeWS)
	}

	// 11. Serve with graceful shutdown
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down signaling service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", zap.Error(err))
	}
}

// connectCockroach dials the database with exponential backoff
func connectCockroach(ctx context.Context, cfg *config.Config) *pkgDatabase.CockroachDB {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, &cfg.Database)
	if err == nil {
		logger.Info("Connected to CockroachDB")
		return db
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)

		db, err = pkgDatabase.NewCockroachDB(ctx, &cfg.Database)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db
		}
	}

	logger.Error("Could not connect to CockroachDB", zap.Error(err))
	return nil
}

// buildPushProvider selects the push backend from configuration. FCM wins
// when both are configured; the mock provider is rejected in production.
func buildPushProvider(cfg *config.Config, productionMode bool) push.Provider {
	if !cfg.Push.Enabled {
		if productionMode {
			logger.Warn("Push notifications disabled in production")
		}
		return &push.MockProvider{}
	}

	if cfg.Push.FCMCredentialsFile != "" {
		provider, err := push.NewFCMProvider(&push.FCMConfig{
			CredentialsPath: cfg.Push.FCMCredentialsFile,
		})
		if err != nil {
			log.Fatalf("Failed to initialize FCM provider: %v", err)
		}
		logger.Info("Using FCM push provider")
		return provider
	}

	if cfg.Push.APNsKeyFile != "" {
		provider, err := push.NewAPNsProvider(&push.APNsConfig{
			KeyPath:    cfg.Push.APNsKeyFile,
			KeyID:      cfg.Push.APNsKeyID,
			TeamID:     cfg.Push.APNsTeamID,
			BundleID:   cfg.Push.APNsTopic,
			Production: cfg.Push.APNsProduction,
		})
		if err != nil {
			log.Fatalf("Failed to initialize APNs provider: %v", err)
		}
		logger.Info("Using APNs push provider")
		return provider
	}

	if productionMode {
		log.Fatal("PUSH_ENABLED is set but no provider is configured")
	}
	logger.Warn("Push enabled without provider configuration, using mock provider")
	return &push.MockProvider{}
}
