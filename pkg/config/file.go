package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML decoding. Durations are strings in the
// file ("90s", "6h") and parsed here; absent fields leave the current value
// untouched.
type fileConfig struct {
	Database struct {
		URL             string `yaml:"url"`
		MaxOpenConns    *int   `yaml:"max_open_conns"`
		MaxIdleConns    *int   `yaml:"max_idle_conns"`
		ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       *int   `yaml:"db"`
		PoolSize *int   `yaml:"pool_size"`
	} `yaml:"redis"`
	Cache struct {
		ContextTTL         string `yaml:"context_ttl"`
		RolePermissionsTTL string `yaml:"role_permissions_ttl"`
	} `yaml:"cache"`
	Hierarchy struct {
		SnapshotTTL         string `yaml:"snapshot_ttl"`
		RefreshSchedule     string `yaml:"refresh_schedule"`
		DescendantCacheSize *int   `yaml:"descendant_cache_size"`
	} `yaml:"hierarchy"`
	Session struct {
		TTL string `yaml:"ttl"`
	} `yaml:"session"`
	Audit struct {
		DatabaseEnabled *bool  `yaml:"database_enabled"`
		FilePath        string `yaml:"file_path"`
	} `yaml:"audit"`
	Observability struct {
		LogLevel       string `yaml:"log_level"`
		MetricsEnabled *bool  `yaml:"metrics_enabled"`
	} `yaml:"observability"`
}

// applyFile overlays values from a YAML configuration file onto the config.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Database.URL != "" {
		c.Database.URL = fc.Database.URL
	}
	if fc.Database.MaxOpenConns != nil {
		c.Database.MaxOpenConns = *fc.Database.MaxOpenConns
	}
	if fc.Database.MaxIdleConns != nil {
		c.Database.MaxIdleConns = *fc.Database.MaxIdleConns
	}
	if err := overlayDuration(&c.Database.ConnMaxLifetime, fc.Database.ConnMaxLifetime, path); err != nil {
		return err
	}

	if fc.Redis.Addr != "" {
		c.Redis.Addr = fc.Redis.Addr
	}
	if fc.Redis.Password != "" {
		c.Redis.Password = fc.Redis.Password
	}
	if fc.Redis.DB != nil {
		c.Redis.DB = *fc.Redis.DB
	}
	if fc.Redis.PoolSize != nil {
		c.Redis.PoolSize = *fc.Redis.PoolSize
	}

	if err := overlayDuration(&c.Cache.ContextTTL, fc.Cache.ContextTTL, path); err != nil {
		return err
	}
	if err := overlayDuration(&c.Cache.RolePermissionsTTL, fc.Cache.RolePermissionsTTL, path); err != nil {
		return err
	}

	if err := overlayDuration(&c.Hierarchy.SnapshotTTL, fc.Hierarchy.SnapshotTTL, path); err != nil {
		return err
	}
	if fc.Hierarchy.RefreshSchedule != "" {
		c.Hierarchy.RefreshSchedule = fc.Hierarchy.RefreshSchedule
	}
	if fc.Hierarchy.DescendantCacheSize != nil {
		c.Hierarchy.DescendantCacheSize = *fc.Hierarchy.DescendantCacheSize
	}

	if err := overlayDuration(&c.Session.TTL, fc.Session.TTL, path); err != nil {
		return err
	}

	if fc.Audit.DatabaseEnabled != nil {
		c.Audit.DatabaseEnabled = *fc.Audit.DatabaseEnabled
	}
	if fc.Audit.FilePath != "" {
		c.Audit.FilePath = fc.Audit.FilePath
	}

	if fc.Observability.LogLevel != "" {
		c.Observability.LogLevel = fc.Observability.LogLevel
	}
	if fc.Observability.MetricsEnabled != nil {
		c.Observability.MetricsEnabled = *fc.Observability.MetricsEnabled
	}

	return nil
}

func overlayDuration(dst *time.Duration, raw, path string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q in config file %s: %w", raw, path, err)
	}
	*dst = d
	return nil
}
