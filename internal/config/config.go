package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	// MasterKey seeds the envelope-encryption key hierarchy. Required in
	// production; tests construct the encryption service directly.
	MasterKey string

	OTLPEndpoint string

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
	DBConnMaxIdleTime int

	NATS     NATSConfig
	Redis    RedisConfig
	Relay    RelayConfig
	Provider ProviderConfig
}

// NATSConfig configures the broker connection used by the outbox relay and
// the processor consumer.
type NATSConfig struct {
	URL        string
	ClientName string
}

// RedisConfig configures the relay leader lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RelayConfig tunes the outbox relay loop.
type RelayConfig struct {
	IntervalSeconds int
	BatchSize       int
	LockTTLSeconds  int
}

// ProviderConfig configures the external task provider client.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "taskledger"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		MasterKey: strings.TrimSpace(getenv("ENCRYPTION_MASTER_KEY", "")),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		NATS: NATSConfig{
			URL:        getenv("NATS_URL", "nats://localhost:4222"),
			ClientName: getenv("NATS_CLIENT_NAME", "taskledger"),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			IntervalSeconds: getenvInt("OUTBOX_RELAY_INTERVAL_SECONDS", 1),
			BatchSize:       getenvInt("OUTBOX_RELAY_BATCH_SIZE", 100),
			LockTTLSeconds:  getenvInt("OUTBOX_RELAY_LOCK_TTL_SECONDS", 30),
		},
		Provider: ProviderConfig{
			BaseURL: getenv("XSKILL_BASE_URL", "https://api.xskill.ai"),
			APIKey:  strings.TrimSpace(getenv("XSKILL_API_KEY", "")),
		},
	}

	return cfg
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("invalid %s value %q, using default %d", key, raw, fallback)
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
