package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatlink-backend/internal/broker"
	"chatlink-backend/internal/config"
	callHandler "chatlink-backend/internal/handler/http/call"
	wsHandler "chatlink-backend/internal/handler/ws"
	"chatlink-backend/internal/middleware"
	"chatlink-backend/internal/presence"
	"chatlink-backend/internal/repository/cockroach"
	redisRepo "chatlink-backend/internal/repository/redis"
	"chatlink-backend/pkg/database"
	"chatlink-backend/pkg/jwt"
	"chatlink-backend/pkg/logger"
	"chatlink-backend/pkg/metrics"
	"chatlink-backend/pkg/push"
)

func main() {
	cfg := config.Load()

	// 1. Logger
	logFormat := "text"
	if cfg.IsProduction() {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{Level: "info", Format: logFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 2. JWT Manager
	if cfg.IsProduction() && len(cfg.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration)

	// 3. CockroachDB
	ctx := context.Background()
	cockroachDB, err := database.NewCockroachDB(ctx, &cfg.Cockroach)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer cockroachDB.Close()
	logger.Info("Connected to CockroachDB")

	// 4. Redis
	redisDB, err := database.NewRedisDB(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	logger.Info("Connected to Redis")

	// 5. Repositories
	callRepo := cockroach.NewCallRepository(cockroachDB.Pool)
	directoryRepo := cockroach.NewDirectoryRepository(cockroachDB.Pool)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB.Client)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	// 6. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 7. Presence registry
	registry := presence.NewRegistry()

	// 8. Push (optional)
	var pushSvc *push.Service
	if cfg.PushEnabled {
		if cfg.FirebaseProjectID == "" {
			pushSvc = push.NewService(&push.MockProvider{}, pushTokenRepo)
			logger.Warn("Push running with mock provider: FIREBASE_PROJECT_ID not set")
		} else if provider, err := push.NewFCMProvider(&push.FCMConfig{ProjectID: cfg.FirebaseProjectID}); err != nil {
			logger.Warn("Push disabled: FCM init failed", zap.Error(err))
		} else {
			pushSvc = push.NewService(provider, pushTokenRepo)
			logger.Info("Push notifications enabled")
		}
	}

	// 9. WebSocket hub and signaling broker. The hub is the broker's
	// publisher, so it is built first and the broker attached after.
	hub := wsHandler.NewHub(registry, redisDB.Client, appMetrics, cfg.MaxWSConnections)

	opts := []broker.Option{
		broker.WithMetrics(appMetrics),
		broker.WithRingTimeout(cfg.RingTimeout),
	}
	if pushSvc != nil {
		opts = append(opts, broker.WithPush(pushSvc))
	}
	brk := broker.New(callRepo, registry, directoryRepo, hub, opts...)
	hub.SetBroker(brk)

	// 10. Presence listeners: fan status changes out over WebSocket, mirror
	// them to Redis for sibling services, keep the gauge current. The
	// registry stays authoritative; mirror failures are only logged.
	registry.OnChange(brk.PublishPresence)
	registry.OnChange(func(userID uuid.UUID, online bool, lastSeen time.Time) {
		mirrorCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		if online {
			err = presenceRepo.SetUserOnline(mirrorCtx, userID)
		} else {
			err = presenceRepo.SetUserOffline(mirrorCtx, userID, lastSeen)
		}
		if err != nil {
			logger.Warn("Presence mirror update failed",
				zap.String("user_id", userID.String()), zap.Error(err))
		}
		appMetrics.SetUsersOnline(registry.OnlineCount())
	})

	// 11. Handlers
	callHdlr := callHandler.NewHandler(brk)

	// 12. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		callHdlr.RegisterRoutes(v1)
		v1.GET("/ws/calls", hub.ServeWS)
	}

	// 13. Serve
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.HTTPPort),
			zap.String("ws_endpoint", "/v1/ws/calls"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 14. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	brk.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
