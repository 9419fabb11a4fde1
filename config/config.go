/*
Package config loads server configuration from the environment and flags.

PRECEDENCE (lowest to highest):
  1. Built-in defaults
  2. .env / .env.dev files in the working directory (godotenv)
  3. Process environment
  4. Command-line flags

ENVIRONMENT:
  PORT                 HTTP port (8080)
  STORE                memory | sqlite | postgres | redis (sqlite)
  DB_PATH              SQLite file (coupons.db), ":memory:" allowed
  DATABASE_URL         PostgreSQL URL, required for STORE=postgres
  REDIS_URL            redis:// URL, required for STORE=redis
  REDIS_PREFIX         key prefix (coupon-ledger:)
  JWT_SECRET           HMAC secret for session tokens (required)
  TOKEN_TTL            token lifetime (12h)
  ADMIN_USER           admin login name (admin)
  ADMIN_PASSWORD_HASH  bcrypt hash; admin login is disabled when empty
  SALES_QUEUE_SIZE     aggregator queue bound (1024)
  SALES_WORKERS        aggregator workers (4)
  REDEEM_MAX_ATTEMPTS  optimistic retries per redemption (5)
  RECONCILE_INTERVAL   periodic reconciliation, 0 disables (0); each pass
                       holds the sales aggregator and drains its queue
  ENABLE_SCENARIOS     mount /api/scenarios demo routes (true)
  CORS_ORIGINS         comma-separated allowed origins
  LOG_LEVEL            debug | info | warn | error (info)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port int

	Store       string
	DBPath      string
	DatabaseURL string
	RedisURL    string
	RedisPrefix string

	JWTSecret         string
	TokenTTL          time.Duration
	AdminUser         string
	AdminPasswordHash string

	SalesQueueSize    int
	SalesWorkers      int
	RedeemMaxAttempts int
	ReconcileInterval time.Duration

	// EnableScenarios mounts the demo data routes, which can wipe the store.
	EnableScenarios bool

	CORSOrigins []string
	LogLevel    logrus.Level
}

// Load reads the environment, then parses args (usually os.Args[1:]).
func Load(args []string) (Config, error) {
	cfg := Config{
		Port:              GetEnvInt("PORT", 8080),
		Store:             GetEnv("STORE", StoreSQLite),
		DBPath:            GetEnv("DB_PATH", "coupons.db"),
		DatabaseURL:       GetEnv("DATABASE_URL", ""),
		RedisURL:          GetEnv("REDIS_URL", ""),
		RedisPrefix:       GetEnv("REDIS_PREFIX", "coupon-ledger:"),
		JWTSecret:         GetEnv("JWT_SECRET", ""),
		TokenTTL:          GetEnvDuration("TOKEN_TTL", 12*time.Hour),
		AdminUser:         GetEnv("ADMIN_USER", "admin"),
		AdminPasswordHash: GetEnv("ADMIN_PASSWORD_HASH", ""),
		SalesQueueSize:    GetEnvInt("SALES_QUEUE_SIZE", 1024),
		SalesWorkers:      GetEnvInt("SALES_WORKERS", 4),
		RedeemMaxAttempts: GetEnvInt("REDEEM_MAX_ATTEMPTS", 5),
		ReconcileInterval: GetEnvDuration("RECONCILE_INTERVAL", 0),
		EnableScenarios:   GetEnvBool("ENABLE_SCENARIOS", true),
		CORSOrigins:       splitList(GetEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
		LogLevel:          GetLogLevel(),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "storage backend: memory, sqlite, postgres, redis")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid TOKEN_TTL %s", c.TokenTTL))
	}
	if c.SalesQueueSize < 1 || c.SalesWorkers < 1 {
		errs = append(errs, errors.New("SALES_QUEUE_SIZE and SALES_WORKERS must be positive"))
	}
	if c.RedeemMaxAttempts < 1 {
		errs = append(errs, errors.New("REDEEM_MAX_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENVIRONMENT HELPERS
// =============================================================================

// LoadEnv loads .env files if present. Existing variables win.
func LoadEnv(logger logrus.FieldLogger) {
	var loaded []string
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			logger.WithError(err).Warnf("Failed to load %s", file)
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration accepts Go duration syntax ("30s", "5m").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger returns a JSON logger at the given level.
func NewLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
