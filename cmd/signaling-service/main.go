package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	intDatabase "github.com/adityatekale27/chat-app/internal/database"
	callHandler "github.com/adityatekale27/chat-app/internal/handler/http/call"
	presenceHandler "github.com/adityatekale27/chat-app/internal/handler/http/presence"
	wsHandler "github.com/adityatekale27/chat-app/internal/handler/ws"
	"github.com/adityatekale27/chat-app/internal/middleware"
	"github.com/adityatekale27/chat-app/internal/relay"
	"github.com/adityatekale27/chat-app/internal/repository/cockroach"
	callService "github.com/adityatekale27/chat-app/internal/service/call"
	presenceService "github.com/adityatekale27/chat-app/internal/service/presence"
	"github.com/adityatekale27/chat-app/pkg/config"
	"github.com/adityatekale27/chat-app/pkg/constants"
	pkgDatabase "github.com/adityatekale27/chat-app/pkg/database"
	"github.com/adityatekale27/chat-app/pkg/env"
	"github.com/adityatekale27/chat-app/pkg/jwt"
	"github.com/adityatekale27/chat-app/pkg/logger"
	"github.com/adityatekale27/chat-app/pkg/metrics"
)

func main() {
	// Local development convenience; the container sets real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// Redis backs the signaling relay and presence broadcasts
	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	logger.Info("Connected to Redis")

	go redisDB.StartHealthCheck(context.Background(), 10*time.Second)

	// CockroachDB holds call records and presence entries
	cockroachDB, err := pkgDatabase.NewCockroachDB(context.Background(), &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer cockroachDB.Close()
	logger.Info("Connected to CockroachDB")

	if err := cockroachDB.RunMigrations(context.Background()); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// Repositories
	callRepo := cockroach.NewCallRepository(cockroachDB.Pool)
	presenceRepo := cockroach.NewPresenceRepository(cockroachDB.Pool)

	// Relay and services
	publisher := relay.NewRedisRelay(redisDB.Client, appMetrics)
	callSvc := callService.NewService(callRepo, publisher, appMetrics)
	presenceSvc := presenceService.NewService(presenceRepo, publisher, appMetrics)

	// Built-in sweep ticker; an external scheduler may also hit the
	// sweep endpoint, the two are idempotent against each other.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go presenceSvc.RunSweeper(sweepCtx, cfg.Presence.SweepInterval)

	// Handlers
	callHdlr := callHandler.NewHandler(callSvc)
	presenceHdlr := presenceHandler.NewHandler(presenceSvc, cfg.Presence.SweepSecret)

	allowedOrigins := splitOrigins(env.GetString("ALLOWED_ORIGINS", "http://localhost:3000"))
	relayHub := wsHandler.NewRelayHub(redisDB.Client, appMetrics, allowedOrigins)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(allowedOrigins))
	router.Use(middleware.Prometheus(appMetrics))

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if redisDB.IsDegraded() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		appMetrics.GetRegistry(),
		promhttp.HandlerOpts{},
	)))

	// Sweep trigger authenticates with a shared secret, not a user token
	cron := router.Group("/v1")
	presenceHdlr.RegisterSweepRoute(cron)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		callHdlr.RegisterRoutes(v1)
		presenceHdlr.RegisterRoutes(v1)
		v1.GET("/ws", relayHub.ServeWS)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("Signaling service starting",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
