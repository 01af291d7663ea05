package main

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"github.com/qrelay/qrelay/common"
	"github.com/qrelay/qrelay/common/client"
	"github.com/qrelay/qrelay/common/config"
	"github.com/qrelay/qrelay/common/logger"
	"github.com/qrelay/qrelay/middleware"
	"github.com/qrelay/qrelay/model"
	"github.com/qrelay/qrelay/pool"
	"github.com/qrelay/qrelay/promptcache"
	"github.com/qrelay/qrelay/router"
	"github.com/qrelay/qrelay/token"
)

func main() {
	common.Init()
	logger.SetupLogger()
	logger.Logger.Info("qrelay starting")

	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	} else if os.Getenv("GIN_MODE") != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	model.InitDB()

	if err := common.InitRedisClient(); err != nil {
		logger.Logger.Fatal("failed to initialize redis", zap.Error(err))
	}

	client.Init()
	pool.Init()
	promptcache.Init()

	scheduler := token.NewScheduler(token.Default())
	scheduler.Start()

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			scheduler.Stop()
			promptcache.Shutdown()
			pool.Shutdown()
			if err := model.CloseDB(); err != nil {
				logger.Logger.Error("failed to close database", zap.Error(err))
			}
		})
	}
	defer shutdown()

	go healthProbe()

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}

	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Logger.Named("gin")),
		),
	)
	server.Use(middleware.RequestId())

	sessionStore := cookie.NewStore([]byte(config.SessionSecret))
	server.Use(sessions.Sessions("qrelay-session", sessionStore))

	router.SetRouter(server)

	port := config.ServerPort
	if port == "" {
		port = "8080"
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Logger.Info("shutdown signal received")
		shutdown()
		os.Exit(0)
	}()

	logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
	if err := server.Run(":" + port); err != nil {
		logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
	}
}

// healthProbe periodically logs pool health so a stalled pool is
// visible without scraping metrics.
func healthProbe() {
	ticker := time.NewTicker(config.HealthCheckInterval)
	defer ticker.Stop()
	for range ticker.C {
		accounts, err := model.GetAllAccounts()
		if err != nil {
			logger.Logger.Error("health probe failed to list accounts", zap.Error(err))
			continue
		}
		enabled, cooling := 0, 0
		for _, account := range accounts {
			if account.Enabled {
				enabled++
			}
			if account.InCooldown() {
				cooling++
			}
		}
		if enabled == 0 {
			logger.Logger.Warn("no enabled accounts in the pool")
			continue
		}
		logger.Logger.Debug("pool health",
			zap.Int("enabled", enabled),
			zap.Int("cooling_down", cooling),
			zap.Int("total", len(accounts)))
	}
}
