package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers []string
	KafkaGroupID string

	// Provider API
	ProviderTimeout   time.Duration
	ProviderRateRPS   int
	ProviderRateBurst int
	IntegrationsFile  string

	// Sync behaviour
	DefaultLookback   time.Duration
	MaxRedeliveries   int
	RedeliveryBackoff time.Duration
	StatusCacheTTL    time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "flowlytics"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "flowlytics123"),
		PostgresDB:       getEnv("POSTGRES_DB", "flowlytics"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "flowlytics-sync"),

		ProviderTimeout:   getDuration("PROVIDER_TIMEOUT", 30*time.Second),
		ProviderRateRPS:   getIntEnv("PROVIDER_RATE_RPS", 10),
		ProviderRateBurst: getIntEnv("PROVIDER_RATE_BURST", 20),
		IntegrationsFile:  getEnv("INTEGRATIONS_FILE", "integrations.yaml"),

		DefaultLookback:   getDuration("DEFAULT_LOOKBACK", 365*24*time.Hour),
		MaxRedeliveries:   getIntEnv("MAX_REDELIVERIES", 5),
		RedeliveryBackoff: getDuration("REDELIVERY_BACKOFF", 15*time.Second),
		StatusCacheTTL:    getDuration("STATUS_CACHE_TTL", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return []string{value}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
