package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/practicehq/authz/pkg/observability"
)

// Config holds all authorization engine configuration
type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Cache         CacheConfig
	Hierarchy     HierarchyConfig
	Session       SessionConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// DatabaseConfig holds system-of-record connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds distributed cache settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// CacheConfig holds context cache TTLs
type CacheConfig struct {
	ContextTTL         time.Duration
	RolePermissionsTTL time.Duration
}

// HierarchyConfig holds organization hierarchy index settings
type HierarchyConfig struct {
	SnapshotTTL         time.Duration
	RefreshSchedule     string
	DescendantCacheSize int
}

// SessionConfig holds credential store settings
type SessionConfig struct {
	TTL time.Duration
}

// AuditConfig holds audit trail destinations
type AuditConfig struct {
	DatabaseEnabled bool
	FilePath        string
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       string
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables. When
// AUTHZ_CONFIG_FILE is set, the YAML file is applied first and environment
// variables override it.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := getEnv("AUTHZ_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Cache: CacheConfig{
			ContextTTL:         60 * time.Second,
			RolePermissionsTTL: 6 * time.Hour,
		},
		Hierarchy: HierarchyConfig{
			SnapshotTTL:         6 * time.Hour,
			RefreshSchedule:     "@every 6h",
			DescendantCacheSize: 4096,
		},
		Session: SessionConfig{
			TTL: 12 * time.Hour,
		},
		Audit: AuditConfig{
			DatabaseEnabled: true,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

func (c *Config) applyEnv() {
	if v := getEnv("AUTHZ_DATABASE_URL", ""); v != "" {
		c.Database.URL = v
	}
	if v := getEnvInt("AUTHZ_DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}
	if v := getEnvInt("AUTHZ_DATABASE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConns = v
	}
	if v := getEnvDuration("AUTHZ_DATABASE_CONN_MAX_LIFETIME", 0); v > 0 {
		c.Database.ConnMaxLifetime = v
	}

	if v := getEnv("AUTHZ_REDIS_ADDR", ""); v != "" {
		c.Redis.Addr = v
	}
	if v := getEnv("AUTHZ_REDIS_PASSWORD", ""); v != "" {
		c.Redis.Password = v
	}
	if v := getEnvInt("AUTHZ_REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}
	if v := getEnvInt("AUTHZ_REDIS_POOL_SIZE", 0); v > 0 {
		c.Redis.PoolSize = v
	}

	if v := getEnvDuration("AUTHZ_CONTEXT_TTL", 0); v > 0 {
		c.Cache.ContextTTL = v
	}
	if v := getEnvDuration("AUTHZ_ROLE_PERMISSIONS_TTL", 0); v > 0 {
		c.Cache.RolePermissionsTTL = v
	}

	if v := getEnvDuration("AUTHZ_HIERARCHY_SNAPSHOT_TTL", 0); v > 0 {
		c.Hierarchy.SnapshotTTL = v
	}
	if v := getEnv("AUTHZ_HIERARCHY_REFRESH_SCHEDULE", ""); v != "" {
		c.Hierarchy.RefreshSchedule = v
	}
	if v := getEnvInt("AUTHZ_HIERARCHY_DESCENDANT_CACHE_SIZE", 0); v > 0 {
		c.Hierarchy.DescendantCacheSize = v
	}

	if v := getEnvDuration("AUTHZ_SESSION_TTL", 0); v > 0 {
		c.Session.TTL = v
	}

	if v := getEnv("AUTHZ_AUDIT_DATABASE_ENABLED", ""); v != "" {
		c.Audit.DatabaseEnabled = strings.ToLower(v) == "true"
	}
	if v := getEnv("AUTHZ_AUDIT_FILE_PATH", ""); v != "" {
		c.Audit.FilePath = v
	}

	if v := getEnv("AUTHZ_LOG_LEVEL", ""); v != "" {
		c.Observability.LogLevel = v
	}
	if v := getEnv("AUTHZ_METRICS_ENABLED", ""); v != "" {
		c.Observability.MetricsEnabled = strings.ToLower(v) == "true"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Cache.ContextTTL <= 0 {
		return fmt.Errorf("context TTL must be positive")
	}
	if c.Cache.RolePermissionsTTL < c.Cache.ContextTTL {
		return fmt.Errorf("role permissions TTL must not be shorter than the context TTL")
	}
	if c.Hierarchy.SnapshotTTL <= 0 {
		return fmt.Errorf("hierarchy snapshot TTL must be positive")
	}
	return nil
}

// LogLevel converts the configured level name.
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.Observability.LogLevel)
}

// getEnv gets an environment variable with a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
