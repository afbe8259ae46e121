package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Sync     SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string // debug, info, warn, error
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	Driver     string // postgres or sqlite
	SQLitePath string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/watchparty?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr runs without Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AWSConfig holds AWS credentials and the archive bucket. An empty ArchiveBucket disables archiving.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	PresignExpireMinutes int
	S3Endpoint           string
}

// ArchiveEnabled reports whether an archive bucket is configured.
func (c AWSConfig) ArchiveEnabled() bool { return c.ArchiveBucket != "" }

// SyncConfig tunes the sync coordinator and realtime connections.
type SyncConfig struct {
	SessionIdleTTL     time.Duration
	EvictInterval      time.Duration
	ProgressRatePerSec float64
	ProgressBurst      int
	PersistQueueSize   int
	EventQueueSize     int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
			SQLitePath: getEnv("SQLITE_PATH", "watchparty.db"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "watchparty"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
			S3Endpoint:           getEnv("AWS_S3_ENDPOINT", ""),
		},
		Sync: SyncConfig{
			SessionIdleTTL:     time.Duration(getEnvInt("SESSION_IDLE_TTL_SEC", 1800)) * time.Second,
			EvictInterval:      time.Duration(getEnvInt("SESSION_EVICT_INTERVAL_SEC", 60)) * time.Second,
			ProgressRatePerSec: getEnvFloat("PROGRESS_RATE_PER_SEC", 4),
			ProgressBurst:      getEnvInt("PROGRESS_BURST", 8),
			PersistQueueSize:   getEnvInt("PERSIST_QUEUE_SIZE", 1024),
			EventQueueSize:     getEnvInt("EVENT_QUEUE_SIZE", 1024),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("config: STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Store.Driver)
	}
	if c.Sync.SessionIdleTTL <= 0 || c.Sync.EvictInterval <= 0 {
		return fmt.Errorf("config: SESSION_IDLE_TTL_SEC and SESSION_EVICT_INTERVAL_SEC must be positive")
	}
	if c.Sync.PersistQueueSize <= 0 || c.Sync.EventQueueSize <= 0 {
		return fmt.Errorf("config: PERSIST_QUEUE_SIZE and EVENT_QUEUE_SIZE must be positive")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
