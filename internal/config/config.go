// Package config provides configuration management for jobguard.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// StoreBackendMemory keeps leases in process. Only useful for a single
	// instance or for development.
	StoreBackendMemory = "memory"

	// StoreBackendRedis shares leases between instances through Redis.
	StoreBackendRedis = "redis"
)

const (
	DefaultPort                   = "8080"
	DefaultGRPCPort               = "9090"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultStoreBackend           = StoreBackendRedis
	DefaultRedisURL               = "redis://localhost:6379/0"
	DefaultStoreOperationTimeout  = 3 * time.Second
	DefaultLockPrefix             = "shedlock"
	DefaultJournalPrefix          = "executions"
	DefaultArchiveRetention       = 30 * 24 * time.Hour
	DefaultArchiveCleanupInterval = time.Hour
	DefaultLivenessInterval       = 15 * time.Second
	DefaultShutdownTimeout        = 30 * time.Second
	DefaultJobTimeScale           = 1.0
)

// DefaultJournalMaxEntries bounds each job's execution history.
const DefaultJournalMaxEntries int64 = 100

// DefaultGRPCMaxMessageSize is the default max message size for gRPC (4MB).
const DefaultGRPCMaxMessageSize int = 4 << 20

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the port of the gRPC health server.
	GRPCPort string

	// GRPCMaxMessageSize is the maximum message size for gRPC in bytes.
	GRPCMaxMessageSize int

	// InstanceID names this replica in holder tokens and execution records.
	// Empty means hostname, then a random id.
	InstanceID string

	LogLevel  string
	LogFormat string

	// StoreBackend is "redis" or "memory".
	StoreBackend          string
	RedisURL              string
	StoreOperationTimeout time.Duration

	LockPrefix        string
	JournalPrefix     string
	JournalMaxEntries int64

	// ArchiveDatabaseURL enables the Postgres execution archive when set.
	ArchiveDatabaseURL     string
	ArchiveRetention       time.Duration
	ArchiveCleanupInterval time.Duration

	LivenessInterval time.Duration
	ShutdownTimeout  time.Duration

	// JobTimeScale multiplies every demo job duration; 0.1 runs the demo ten times faster.
	JobTimeScale float64
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:                   getEnvOrDefault("PORT", DefaultPort),
		GRPCPort:               getEnvOrDefault("GRPC_PORT", DefaultGRPCPort),
		GRPCMaxMessageSize:     getEnvIntOrDefault("GRPC_MAX_MESSAGE_SIZE", DefaultGRPCMaxMessageSize),
		InstanceID:             strings.TrimSpace(os.Getenv("INSTANCE_ID")),
		LogLevel:               getEnvOrDefault("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnvOrDefault("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:           strings.ToLower(getEnvOrDefault("STORE_BACKEND", DefaultStoreBackend)),
		RedisURL:               getEnvOrDefault("REDIS_URL", DefaultRedisURL),
		StoreOperationTimeout:  getEnvDurationOrDefault("STORE_OPERATION_TIMEOUT", DefaultStoreOperationTimeout),
		LockPrefix:             getEnvOrDefault("LOCK_PREFIX", DefaultLockPrefix),
		JournalPrefix:          getEnvOrDefault("JOURNAL_PREFIX", DefaultJournalPrefix),
		JournalMaxEntries:      getEnvInt64OrDefault("JOURNAL_MAX_ENTRIES", DefaultJournalMaxEntries),
		ArchiveDatabaseURL:     os.Getenv("ARCHIVE_DATABASE_URL"),
		ArchiveRetention:       getEnvDurationOrDefault("ARCHIVE_RETENTION", DefaultArchiveRetention),
		ArchiveCleanupInterval: getEnvDurationOrDefault("ARCHIVE_CLEANUP_INTERVAL", DefaultArchiveCleanupInterval),
		LivenessInterval:       getEnvDurationOrDefault("LIVENESS_INTERVAL", DefaultLivenessInterval),
		ShutdownTimeout:        getEnvDurationOrDefault("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
		JobTimeScale:           getEnvFloatOrDefault("JOB_TIME_SCALE", DefaultJobTimeScale),
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.StoreBackend != StoreBackendMemory && c.StoreBackend != StoreBackendRedis {
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendRedis, StoreBackendMemory, c.StoreBackend))
	}
	if c.StoreBackend == StoreBackendRedis && strings.TrimSpace(c.RedisURL) == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis store backend"))
	}
	if c.LockPrefix == c.JournalPrefix {
		errs = append(errs, fmt.Errorf("LOCK_PREFIX and JOURNAL_PREFIX must differ, both are %q", c.LockPrefix))
	}
	if c.JournalMaxEntries <= 0 {
		errs = append(errs, errors.New("JOURNAL_MAX_ENTRIES must be > 0"))
	}
	if c.StoreOperationTimeout <= 0 {
		errs = append(errs, errors.New("STORE_OPERATION_TIMEOUT must be > 0"))
	}
	if c.LivenessInterval <= 0 {
		errs = append(errs, errors.New("LIVENESS_INTERVAL must be > 0"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be > 0"))
	}
	if c.JobTimeScale <= 0 {
		errs = append(errs, errors.New("JOB_TIME_SCALE must be > 0"))
	}
	if c.ArchiveDatabaseURL != "" && (c.ArchiveRetention <= 0 || c.ArchiveCleanupInterval <= 0) {
		errs = append(errs, errors.New("ARCHIVE_RETENTION and ARCHIVE_CLEANUP_INTERVAL must be > 0"))
	}

	return errors.Join(errs...)
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go durations ("30s") or plain seconds ("30").
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
