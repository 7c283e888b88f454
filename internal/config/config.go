package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Logger LoggerConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Redis RedisConfig

	Quota   QuotaConfig
	Queue   QueueConfig
	Sweeper SweeperConfig

	WorkerAuthToken string
}

type LoggerConfig struct {
	Level string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QuotaConfig controls the usage counter store. FailOpen keeps admission
// available when both the counter store and the fallback query are down.
type QuotaConfig struct {
	DailyTTL   time.Duration
	MonthlyTTL time.Duration
	FailOpen   bool
}

// QueueConfig bounds delivery retries from the work queue to a worker.
// DispatchURL is the worker pool's intake endpoint the dispatcher posts
// tasks to.
type QueueConfig struct {
	Name        string
	MaxAttempts int
	BaseBackoff time.Duration
	DedupeTTL   time.Duration
	DispatchURL string
}

type SweeperConfig struct {
	Enabled        bool
	RunInterval    time.Duration
	StaleThreshold time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "unmark"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "unmark"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Quota: QuotaConfig{
			DailyTTL:   getenvDuration("QUOTA_DAILY_TTL", 24*time.Hour),
			MonthlyTTL: getenvDuration("QUOTA_MONTHLY_TTL", 31*24*time.Hour),
			FailOpen:   getenvBool("QUOTA_FAIL_OPEN", true),
		},
		Queue: QueueConfig{
			Name:        getenv("QUEUE_NAME", "jobs"),
			MaxAttempts: getenvInt("QUEUE_MAX_ATTEMPTS", 3),
			BaseBackoff: getenvDuration("QUEUE_BASE_BACKOFF", 2*time.Second),
			DedupeTTL:   getenvDuration("QUEUE_DEDUPE_TTL", 24*time.Hour),
			DispatchURL: getenv("QUEUE_DISPATCH_URL", "http://localhost:8090/tasks"),
		},
		Sweeper: SweeperConfig{
			Enabled:        getenvBool("SWEEPER_ENABLED", true),
			RunInterval:    getenvDuration("SWEEPER_RUN_INTERVAL", time.Minute),
			StaleThreshold: getenvDuration("SWEEPER_STALE_THRESHOLD", 10*time.Minute),
		},
		WorkerAuthToken: strings.TrimSpace(getenv("WORKER_AUTH_TOKEN", "")),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
