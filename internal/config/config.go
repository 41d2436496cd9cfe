package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	StorageBackend     string
	IdempotencyBackend string
	RedisAddr          string
	MigrationsPath     string

	KafkaBrokers        string
	KafkaTransfersTopic string
	KafkaAlertsTopic    string

	DefaultBalance     int64
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	StorageTimeout     time.Duration
	IdempotencyTTL     time.Duration
	SweepInterval      time.Duration
	StalePendingAfter  time.Duration
	NotifyQueueSize    int

	// APIKeyHashes are bcrypt hashes; an empty list disables API-key auth.
	APIKeyHashes []string
}

func Load() (*Config, error) {
	cfg := &Config{
		DBSource: os.Getenv("DB_SOURCE"),
		Port:     getEnvOrDefault("SERVER_PORT", "8080"),
		Env:      getEnvOrDefault("ENVIRONMENT", "development"),

		StorageBackend:     strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", BackendPostgres)),
		IdempotencyBackend: strings.ToLower(getEnvOrDefault("IDEMPOTENCY_BACKEND", BackendPostgres)),
		RedisAddr:          getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		MigrationsPath:     getEnvOrDefault("MIGRATIONS_PATH", "migrations"),

		KafkaBrokers:        os.Getenv("KAFKA_BROKERS"),
		KafkaTransfersTopic: getEnvOrDefault("KAFKA_TRANSFERS_TOPIC", "ledger.transfers"),
		KafkaAlertsTopic:    getEnvOrDefault("KAFKA_ALERTS_TOPIC", "ledger.alerts"),

		DefaultBalance:     getEnvAsInt64("DEFAULT_BALANCE", 0),
		MaxConflictRetries: getEnvAsInt("MAX_CONFLICT_RETRIES", 5),
		RetryBaseDelay:     getEnvAsDuration("RETRY_BASE_DELAY", 5*time.Millisecond),
		RetryMaxDelay:      getEnvAsDuration("RETRY_MAX_DELAY", 200*time.Millisecond),
		StorageTimeout:     getEnvAsDuration("STORAGE_TIMEOUT", 2*time.Second),
		IdempotencyTTL:     getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		StalePendingAfter:  getEnvAsDuration("STALE_PENDING_AFTER", 5*time.Minute),
		NotifyQueueSize:    getEnvAsInt("NOTIFY_QUEUE_SIZE", 1024),

		APIKeyHashes: splitList(os.Getenv("API_KEY_HASHES")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}
	switch c.IdempotencyBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unsupported IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend)
	}

	if c.NeedsDatabase() && c.DBSource == "" {
		return fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if c.DefaultBalance < 0 {
		return fmt.Errorf("DEFAULT_BALANCE must not be negative")
	}
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("MAX_CONFLICT_RETRIES must not be negative")
	}
	// The sweeper must never settle a transfer that is still running.
	if budget := c.SagaBudget(); c.StalePendingAfter <= budget {
		return fmt.Errorf("STALE_PENDING_AFTER (%s) must exceed the worst-case transfer duration (%s)",
			c.StalePendingAfter, budget)
	}
	return nil
}

// SagaBudget is the longest a transfer can keep its transaction pending: two legs, each
// retried MaxConflictRetries times, every attempt bounded by StorageTimeout plus backoff.
func (c *Config) SagaBudget() time.Duration {
	return 2 * time.Duration(c.MaxConflictRetries+1) * (c.StorageTimeout + c.RetryMaxDelay)
}

// NeedsDatabase reports whether any backend talks to PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.StorageBackend == BackendPostgres || c.IdempotencyBackend == BackendPostgres
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) GetKafkaBrokers() []string {
	return splitList(c.KafkaBrokers)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnvOrDefault(key, strconv.FormatInt(defaultValue, 10))
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
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
