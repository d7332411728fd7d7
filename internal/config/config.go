package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the server configuration
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// Credentials are HS256 JWTs signed with this secret
	JWTSecret string

	// Broadcast hub
	HubSendBuffer  int
	HubIdleTimeout time.Duration

	// Upper bound for the limit query parameter of GET /sync
	SyncMaxLimit int

	// Observability; an empty endpoint disables tracing
	JaegerEndpoint   string
	TraceSampleRatio float64
}

// ClientConfig is the configuration of a sync client
type ClientConfig struct {
	ServerURL      string
	Token          string
	DBPath         string
	MaxStorage     int64
	AutoSync       time.Duration
	RequestTimeout time.Duration
	PageSize       int
	JWTSecret      string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "docsync"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		HubSendBuffer:  getEnvInt("HUB_SEND_BUFFER", 256),
		HubIdleTimeout: getEnvDuration("HUB_IDLE_TIMEOUT", 5*time.Minute),

		SyncMaxLimit: getEnvInt("SYNC_MAX_LIMIT", 1000),

		JaegerEndpoint:   getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// LoadClient reads the sync client configuration
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:      getEnv("SYNC_SERVER_URL", "http://localhost:8080"),
		Token:          getEnv("SYNC_TOKEN", ""),
		DBPath:         getEnv("SYNC_DB_PATH", "docsync-client.db"),
		MaxStorage:     getEnvInt64("SYNC_MAX_STORAGE_BYTES", 50<<20),
		AutoSync:       getEnvDuration("SYNC_AUTO_INTERVAL", 30*time.Second),
		RequestTimeout: getEnvDuration("SYNC_REQUEST_TIMEOUT", 15*time.Second),
		PageSize:       getEnvInt("SYNC_PAGE_SIZE", 100),
		JWTSecret:      getEnv("JWT_SECRET", ""),
	}

	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("SYNC_PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
