package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration. It is built once at process
// start and passed by injection; components never read the environment.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Worker   WorkerConfig
	Webhook  WebhookConfig
	Engine   EngineConfig
	Storage  StorageConfig
}

// DatabaseConfig holds queue/ledger store configuration.
type DatabaseConfig struct {
	DSN             string
	MaxConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// RedisConfig holds the optional redis queue backend configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
}

// ServerConfig holds HTTP surface configuration.
type ServerConfig struct {
	Addr     string
	SinkAddr string
	APIKey   string
}

// WorkerConfig holds executor pool configuration.
type WorkerConfig struct {
	Count         int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	SoftTimeout   time.Duration
	HardTimeout   time.Duration
	MaxAttempts   int
}

// WebhookConfig holds outbound delivery configuration.
type WebhookConfig struct {
	Token          string
	Secret         string
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RetryHorizon   time.Duration
}

// EngineConfig holds the external reporting engine endpoint.
type EngineConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// StorageConfig holds local artifact directories.
type StorageConfig struct {
	UploadDir  string
	ArchiveDir string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", "file:invoice.db?_pragma=busy_timeout(5000)"),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 20),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_STREAM", "invoice:jobs"),
			Group:    getEnv("REDIS_GROUP", "invoice-workers"),
		},
		Server: ServerConfig{
			Addr:     getEnv("HTTP_ADDR", ":8080"),
			SinkAddr: getEnv("SINK_ADDR", ":8090"),
			APIKey:   getEnv("API_KEY", ""),
		},
		Worker: WorkerConfig{
			Count:         getEnvAsInt("WORKER_COUNT", 4),
			LeaseDuration: getEnvAsDuration("WORKER_LEASE", 5*time.Minute),
			PollInterval:  getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second),
			SoftTimeout:   getEnvAsDuration("TASK_SOFT_TIMEOUT", 2*time.Minute),
			HardTimeout:   getEnvAsDuration("TASK_HARD_TIMEOUT", 3*time.Minute),
			MaxAttempts:   getEnvAsInt("TASK_MAX_ATTEMPTS", 3),
		},
		Webhook: WebhookConfig{
			Token:          getEnv("WEBHOOK_TOKEN", ""),
			Secret:         getEnv("WEBHOOK_SECRET", ""),
			RequestTimeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 15*time.Second),
			MaxAttempts:    getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 6),
			BackoffBase:    getEnvAsDuration("WEBHOOK_BACKOFF_BASE", time.Second),
			BackoffMax:     getEnvAsDuration("WEBHOOK_BACKOFF_MAX", time.Minute),
			RetryHorizon:   getEnvAsDuration("WEBHOOK_RETRY_HORIZON", 15*time.Minute),
		},
		Engine: EngineConfig{
			URL:     getEnv("ENGINE_URL", ""),
			APIKey:  getEnv("ENGINE_API_KEY", ""),
			Timeout: getEnvAsDuration("ENGINE_TIMEOUT", 2*time.Minute),
		},
		Storage: StorageConfig{
			UploadDir:  getEnv("UPLOAD_DIR", "uploads"),
			ArchiveDir: getEnv("ARCHIVE_DIR", ""),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" && c.Redis.Addr == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL or REDIS_ADDR is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Worker.HardTimeout < c.Worker.SoftTimeout {
		return NewAppError("CONFIG_ERROR", "TASK_HARD_TIMEOUT must not be below TASK_SOFT_TIMEOUT", ErrInvalidInput)
	}
	if c.Webhook.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "WEBHOOK_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	return nil
}
