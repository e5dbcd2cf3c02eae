package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Stripe    StripeConfig
	Queue     QueueConfig
	Reconcile ReconcileConfig
	Backfill  BackfillConfig
	RateLimit RateLimitConfig
}

// StripeConfig carries both credential sets. The test key may be empty; a
// push that requests test mode then fails fast instead of falling back to live.
type StripeConfig struct {
	LiveSecretKey string
	TestSecretKey string
}

type QueueConfig struct {
	Namespace    string
	BatchDelay   time.Duration
	PollInterval time.Duration
	LeaseTTL     time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
}

type ReconcileConfig struct {
	FakeMode  bool
	FakeDrift float64
	Interval  time.Duration
}

type BackfillConfig struct {
	MaxPayloadBytes int64
}

// RateLimitConfig throttles ingestion per tenant. Rate is tokens per second;
// Burst is the bucket capacity.
type RateLimitConfig struct {
	Enabled     bool
	IngestRate  float64
	IngestBurst int
}

// Module provides Config to the fx graph.
var Module = fx.Provide(Load)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterflow"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		Stripe: StripeConfig{
			LiveSecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			TestSecretKey: strings.TrimSpace(getenv("STRIPE_TEST_SECRET_KEY", "")),
		},
		Queue: QueueConfig{
			Namespace:    getenv("QUEUE_NAMESPACE", "meterflow"),
			BatchDelay:   getenvDuration("QUEUE_BATCH_DELAY", 5*time.Second),
			PollInterval: getenvDuration("QUEUE_POLL_INTERVAL", time.Second),
			LeaseTTL:     getenvDuration("QUEUE_LEASE_TTL", 2*time.Minute),
			MaxAttempts:  int(getenvInt64("QUEUE_MAX_ATTEMPTS", 5)),
			RetryBase:    getenvDuration("QUEUE_RETRY_BASE", 2*time.Second),
		},
		Reconcile: ReconcileConfig{
			FakeMode:  getenvBool("RECONCILE_FAKE_MODE", false),
			FakeDrift: getenvFloat("RECONCILE_FAKE_DRIFT", 0),
			Interval:  getenvDuration("RECONCILE_INTERVAL", time.Hour),
		},
		Backfill: BackfillConfig{
			MaxPayloadBytes: getenvInt64("BACKFILL_MAX_PAYLOAD_BYTES", 1<<20),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			IngestRate:  getenvFloat("RATE_LIMIT_INGEST_RATE", 50),
			IngestBurst: int(getenvInt64("RATE_LIMIT_INGEST_BURST", 100)),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
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
