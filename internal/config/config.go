package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	DatabaseURL   string
	AutoMigrate   bool
	RedisURL      string
	JWTSecret     string
	JWTIssuer     string
	JWKSIssuerURL string
	SocketPath    string
	PollTimeout   time.Duration
	PresenceTTL   time.Duration
	LogLevel      string
	LogFormat     string
}

// Load reads the server configuration from the environment. A .env file in
// the working directory is applied first when present; real environment
// variables win over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   getEnv("DATABASE_URL", "file:chat.db?_foreign_keys=on"),
		AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
		RedisURL:      getEnv("REDIS_URL", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		JWTIssuer:     getEnv("JWT_ISSUER", ""),
		JWKSIssuerURL: getEnv("JWKS_ISSUER_URL", ""),
		SocketPath:    getEnv("SOCKET_PATH", "/api/socket/io"),
		PollTimeout:   getEnvDuration("POLL_TIMEOUT", 25*time.Second),
		PresenceTTL:   getEnvDuration("PRESENCE_TTL", 10*time.Minute),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("25s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs := getEnvInt(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
