package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"anon-chatroom/internal/cache"
	"anon-chatroom/internal/crypto"
	httpHandler "anon-chatroom/internal/handler/http"
	wsHandler "anon-chatroom/internal/handler/websocket"
	"anon-chatroom/internal/hub"
	gormpersistence "anon-chatroom/internal/infra/persistence/gorm"
	"anon-chatroom/internal/infra/persistence/memory"
	"anon-chatroom/internal/infra/setup"
	redisstate "anon-chatroom/internal/infra/state/redis"
	"anon-chatroom/internal/middleware"
	"anon-chatroom/internal/repository"
	"anon-chatroom/internal/router"
	"anon-chatroom/internal/service"
	"anon-chatroom/internal/tasks"
	"anon-chatroom/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config         *Config
	Log            *logrus.Logger
	DB             *gorm.DB // DB_DRIVER=memory 时为 nil
	RedisClient    *redis.Client
	AsynqClient    *asynq.Client
	AsynqInspector *asynq.Inspector
	AsynqServer    *worker.WorkerServer // SCHEDULER=local 时为 nil
	Scheduler      tasks.Scheduler
	Registry       *hub.Registry
	Presence       *hub.Presence
	HttpServer     *http.Server

	cancel context.CancelFunc
}

// repositories 是三个存储库的组合，便于按驱动切换
type repositories struct {
	rooms        repository.RoomRepository
	participants repository.ParticipantRepository
	messages     repository.MessageRepository
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	log.Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	var db *gorm.DB
	var repos repositories
	if cfg.DBDriver == "memory" {
		store := memory.NewStore()
		repos = repositories{rooms: store.Rooms(), participants: store.Participants(), messages: store.Messages()}
		log.Warn("Using in-memory store, data is lost on restart")
	} else {
		db, err = setup.InitDB(setup.DBOptions{
			Driver:   cfg.DBDriver,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		log.Info("Database migrated")
		repos = repositories{
			rooms:        gormpersistence.NewGormRoomRepository(db),
			participants: gormpersistence.NewGormParticipantRepository(db),
			messages:     gormpersistence.NewGormMessageRepository(db),
		}
	}

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}

	// 4. 缓存和服务
	tier := cache.NewTier(
		redisstate.NewRedisCacheRepository(redisClient, cfg.KeyPrefix, cfg.HistoryLimit),
		cache.Options{TTL: cfg.CacheTTL},
	)
	roomService := service.NewRoomService(repos.rooms, repos.participants, tier)
	chatService := service.NewChatService(repos.messages, tier, crypto.NewEd25519Verifier(), cfg.HistoryLimit)
	keyService := service.NewKeyService(repos.rooms, repos.participants)
	log.Info("Services initialized")

	// 5. 清理调度。Presence 依赖调度器，调度器到期时又回调 Presence。
	app := &App{Config: cfg, Log: log, DB: db, RedisClient: redisClient}
	var cleanup *worker.RoomCleanupHandler
	redisClientOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	switch cfg.Scheduler {
	case "local":
		app.Scheduler = tasks.NewLocalScheduler(func(ctx context.Context, roomID string) {
			cleanup.Run(ctx, roomID)
		})
	default:
		app.AsynqClient = asynq.NewClient(redisClientOpt)
		app.AsynqInspector = asynq.NewInspector(redisClientOpt)
		app.Scheduler = tasks.NewAsynqScheduler(app.AsynqClient, app.AsynqInspector)
	}

	// 6. 连接和房间成员
	app.Registry = hub.NewRegistry(cfg.RegistryOptions())
	app.Presence = hub.NewPresence(roomService, app.Scheduler, cfg.RoomCleanupDelay)
	cleanup = worker.NewRoomCleanupHandler(app.Presence)
	if app.AsynqClient != nil {
		app.AsynqServer = worker.NewWorkerServer(redisClientOpt, cleanup, log)
	}
	eventRouter := router.NewRouter(app.Registry, app.Presence, roomService, chatService, keyService)

	// 7. Handlers 和 Gin Engine
	engine := NewEngine(cfg, log, redisClient,
		httpHandler.NewRoomHandler(roomService, app.Presence, app.Registry),
		wsHandler.NewWebSocketHandler(app.Registry, eventRouter, cfg.CORSAllowedOrigin),
	)
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

// NewLogger 按环境和级别配置 logrus，并设为全局 logger
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.StandardLogger()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s, Format: %T)", level.String(), log.Formatter)
	return log
}

// NewEngine 组装中间件和路由
func NewEngine(cfg *Config, log *logrus.Logger, redisClient *redis.Client, rooms *httpHandler.RoomHandler, ws *wsHandler.WebSocketHandler) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggerMiddleware(log))
	engine.Use(CORSMiddleware(cfg.CORSAllowedOrigin))

	engine.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))
	{
		api.GET("/rooms", rooms.ListRooms)
		api.GET("/stats", rooms.Stats)
		authed := api.Group("")
		authed.Use(middleware.Auth(cfg.JWTSecret))
		authed.POST("/rooms", rooms.CreateRoom)
		authed.POST("/rooms/:roomId/bans", rooms.BanMember)
	}

	// WebSocket 的事件级限流由 Registry 负责
	engine.GET("/ws", middleware.Auth(cfg.JWTSecret), ws.HandleConnection)
	return engine
}

// Start 启动后台 goroutine 和 HTTP 服务器
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.Registry.Run(ctx)
	a.Log.Info("Connection sweep routine started")

	if a.AsynqServer != nil {
		if err := a.AsynqServer.Start(); err != nil {
			cancel()
			return err
		}
		a.Log.Info("Asynq worker server started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止接收新连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.WithError(err).Error("Error shutting down HTTP server")
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 停止存活检查并关闭所有连接
	if a.cancel != nil {
		a.cancel()
	}
	a.Registry.CloseAll()

	// 3. 任务调度
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if local, ok := a.Scheduler.(*tasks.LocalScheduler); ok {
		local.Stop()
	}
	if a.AsynqInspector != nil {
		if err := a.AsynqInspector.Close(); err != nil {
			a.Log.WithError(err).Error("Error closing Asynq inspector")
		}
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.WithError(err).Error("Error closing Asynq client")
		} else {
			a.Log.Info("Asynq client closed.")
		}
	}

	// 4. 存储连接
	if err := a.RedisClient.Close(); err != nil {
		a.Log.WithError(err).Error("Error closing Redis connection")
	} else {
		a.Log.Info("Redis connection closed.")
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.WithError(err).Error("Error closing database connection")
			}
		}
	}
	a.Log.Info("Application shutdown complete.")
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		// token 可能出现在查询参数中，日志里只记录路径
		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}

// CORSMiddleware 允许配置的前端来源跨域访问 REST 接口
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
