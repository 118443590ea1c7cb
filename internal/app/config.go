package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr           string
	LogLevel           string
	LogFormat          string
	SearchAPIBase      string
	UserAgent          string
	RequestTimeout     time.Duration
	DefaultLimit       int
	MaxConcurrent      int
	RetryAttempts      int
	RedisURL           string
	SnapshotTTL        time.Duration
	SnapshotDisabled   bool
	MongoURI           string
	MongoDatabase      string
	RateLimitRPS       float64
	RateLimitBurst     int
	OTLPEndpoint       string
	ShutdownTimeout    time.Duration
	SnapshotQueueSize  int
	EventsBufferLength int
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8095"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		SearchAPIBase:      strings.TrimRight(getEnv("SEARCH_API_BASE", "http://localhost:8000"), "/"),
		UserAgent:          getEnv("SEARCH_USER_AGENT", "half-circuit-coordinator/1.0"),
		RequestTimeout:     time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 30)) * time.Second,
		DefaultLimit:       getEnvInt("SEARCH_DEFAULT_LIMIT", 10),
		MaxConcurrent:      getEnvInt("SEARCH_MAX_CONCURRENT", 8),
		RetryAttempts:      getEnvInt("SEARCH_RETRY_ATTEMPTS", 1),
		RedisURL:           getEnv("REDIS_URL", ""),
		SnapshotTTL:        time.Duration(getEnvInt("SNAPSHOT_TTL_HOURS", 24)) * time.Hour,
		SnapshotDisabled:   getEnvBool("SNAPSHOT_DISABLED", false),
		MongoURI:           getEnv("MONGO_URI", ""),
		MongoDatabase:      getEnv("MONGO_DB", "searchcoordinator"),
		RateLimitRPS:       float64(getEnvInt("HTTP_RATE_LIMIT_RPS", 50)),
		RateLimitBurst:     getEnvInt("HTTP_RATE_LIMIT_BURST", 100),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ShutdownTimeout:    time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		SnapshotQueueSize:  getEnvInt("SNAPSHOT_QUEUE_SIZE", 256),
		EventsBufferLength: getEnvInt("EVENTS_BUFFER", 64),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
