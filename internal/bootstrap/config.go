package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"anon-chatroom/internal/cache"
	"anon-chatroom/internal/hub"
	"anon-chatroom/internal/service"
)

// Config 保存从 .env 和环境变量加载的配置
type Config struct {
	AppEnv     string
	LogLevel   string
	ServerPort string

	DBDriver   string // mysql | postgres | memory
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	JWTSecret         string
	CORSAllowedOrigin string
	Scheduler         string // asynq | local

	MaxConnsPerIP     int
	EventsPerSecond   float64
	EventBurst        int
	SendBufferLimit   int64
	MaxMessageSize    int64
	HeartbeatInterval time.Duration
	RoomCleanupDelay  time.Duration
	HistoryLimit      int
	CacheTTL          time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// LoadConfig 先加载 .env（如果存在），再由 viper 读取环境变量并套用默认值
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "chat:")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	v.SetDefault("SCHEDULER", "asynq")
	v.SetDefault("MAX_CONNS_PER_IP", hub.DefaultMaxConnsPerAddr)
	v.SetDefault("EVENTS_PER_SECOND", hub.DefaultEventsPerSecond)
	v.SetDefault("EVENT_BURST", hub.DefaultEventBurst)
	v.SetDefault("SEND_BUFFER_LIMIT", hub.DefaultSendBufferLimit)
	v.SetDefault("MAX_MESSAGE_SIZE", hub.DefaultMaxMessageSize)
	v.SetDefault("HEARTBEAT_INTERVAL", hub.DefaultSweepInterval.String())
	v.SetDefault("ROOM_CLEANUP_DELAY", hub.DefaultCleanupDelay.String())
	v.SetDefault("HISTORY_LIMIT", service.DefaultHistoryLimit)
	v.SetDefault("CACHE_TTL", cache.DefaultTTL.String())
	v.SetDefault("HTTP_RATE_LIMIT_MAX", 100)
	v.SetDefault("HTTP_RATE_LIMIT_WINDOW", "1s")

	cfg := &Config{
		AppEnv:     v.GetString("APP_ENV"),
		LogLevel:   v.GetString("LOG_LEVEL"),
		ServerPort: v.GetString("SERVER_PORT"),

		DBDriver:   strings.ToLower(v.GetString("DB_DRIVER")),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBHost:     v.GetString("DB_HOST"),
		DBPort:     v.GetString("DB_PORT"),
		DBName:     v.GetString("DB_NAME"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		KeyPrefix:     v.GetString("REDIS_KEY_PREFIX"),

		JWTSecret:         v.GetString("JWT_SECRET"),
		CORSAllowedOrigin: v.GetString("CORS_ALLOWED_ORIGIN"),
		Scheduler:         strings.ToLower(v.GetString("SCHEDULER")),

		MaxConnsPerIP:     v.GetInt("MAX_CONNS_PER_IP"),
		EventsPerSecond:   v.GetFloat64("EVENTS_PER_SECOND"),
		EventBurst:        v.GetInt("EVENT_BURST"),
		SendBufferLimit:   v.GetInt64("SEND_BUFFER_LIMIT"),
		MaxMessageSize:    v.GetInt64("MAX_MESSAGE_SIZE"),
		HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
		RoomCleanupDelay:  v.GetDuration("ROOM_CLEANUP_DELAY"),
		HistoryLimit:      v.GetInt("HISTORY_LIMIT"),
		CacheTTL:          v.GetDuration("CACHE_TTL"),

		RateLimitMax:    v.GetInt("HTTP_RATE_LIMIT_MAX"),
		RateLimitWindow: v.GetDuration("HTTP_RATE_LIMIT_WINDOW"),
	}

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	switch cfg.DBDriver {
	case "mysql", "postgres", "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	switch cfg.Scheduler {
	case "asynq", "local":
	default:
		return nil, fmt.Errorf("unsupported SCHEDULER %q", cfg.Scheduler)
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("HTTP_RATE_LIMIT_MAX and HTTP_RATE_LIMIT_WINDOW must be positive")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// RegistryOptions 把连接相关配置转换为 hub.Options
func (c *Config) RegistryOptions() hub.Options {
	return hub.Options{
		MaxConnsPerAddr: c.MaxConnsPerIP,
		EventsPerSecond: c.EventsPerSecond,
		EventBurst:      c.EventBurst,
		SendBufferLimit: c.SendBufferLimit,
		MaxMessageSize:  c.MaxMessageSize,
		SweepInterval:   c.HeartbeatInterval,
	}
}
