package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds crisis chat client configuration
type Config struct {
	Env      string
	LogLevel string

	// GatewayURL is the chat gateway base URL. http/https schemes are
	// accepted and rewritten to ws/wss.
	GatewayURL string
	UserID     string
	Username   string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HandshakeTimeout     time.Duration
	TypingDebounce       time.Duration

	MemoryBaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	MetricsAddr string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		GatewayURL: getEnv("GATEWAY_URL", "ws://127.0.0.1:8000"),
		UserID:     getEnv("CHAT_USER_ID", "demo"),
		Username:   getEnv("CHAT_USERNAME", ""),

		MaxReconnectAttempts: getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvAsDuration("RECONNECT_BASE_DELAY", 2*time.Second),
		HandshakeTimeout:     getEnvAsDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		TypingDebounce:       getEnvAsDuration("TYPING_DEBOUNCE", 0),

		MemoryBaseURL: getEnv("MEMORY_BASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
