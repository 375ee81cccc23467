// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"reelcache.yaml",
	"reelcache.yml",
	"/etc/reelcache/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "REELCACHE_CONFIG"

// Config is the full daemon configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Origin  OriginConfig  `koanf:"origin"`
	Replica ReplicaConfig `koanf:"replica"`
	Sync    SyncConfig    `koanf:"sync"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen        string        `koanf:"listen"`
	SessionSecret string        `koanf:"session_secret"`
	Timeout       time.Duration `koanf:"timeout"`
}

// OriginConfig points at the upstream record store.
type OriginConfig struct {
	URL            string   `koanf:"url"`
	Token          string   `koanf:"token"`
	ThumbnailHosts []string `koanf:"thumbnail_hosts"`
	DevMode        bool     `koanf:"dev_mode"`
}

// ReplicaConfig bounds the local record replica.
type ReplicaConfig struct {
	Path       string `koanf:"path"`
	CacheDir   string `koanf:"cache_dir"`
	MaxRecords int    `koanf:"max_records"`
	MaxBytes   int64  `koanf:"max_bytes"`
}

// SyncConfig controls the background sync loop.
type SyncConfig struct {
	Interval  time.Duration `koanf:"interval"`
	PageLimit int           `koanf:"page_limit"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8787",
			SessionSecret: "",
			Timeout:       30 * time.Second,
		},
		Origin: OriginConfig{
			URL:            "http://localhost:3000",
			Token:          "",
			ThumbnailHosts: []string{"i.ytimg.com", "img.youtube.com"},
			DevMode:        false,
		},
		Replica: ReplicaConfig{
			Path:       "reelcache.db",
			CacheDir:   "", // empty means in-memory response cache
			MaxRecords: 500,
			MaxBytes:   8 << 20,
		},
		Sync: SyncConfig{
			Interval:  5 * time.Minute,
			PageLimit: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration with precedence ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// REELCACHE_ORIGIN_URL -> origin.url, REELCACHE_REPLICA_MAX_RECORDS
	// -> replica.max_records, and so on.
	if err := k.Load(env.Provider("REELCACHE_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := normalizeHostList(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	if c.Server.SessionSecret == "" {
		return fmt.Errorf("server.session_secret is required")
	}
	if c.Replica.MaxRecords < 1 {
		return fmt.Errorf("replica.max_records must be positive, got %d", c.Replica.MaxRecords)
	}
	if c.Replica.MaxBytes < 1 {
		return fmt.Errorf("replica.max_bytes must be positive, got %d", c.Replica.MaxBytes)
	}
	if c.Sync.Interval < time.Second {
		return fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval)
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps REELCACHE_SECTION_KEY_NAME to section.key_name. The
// first underscore separates the section; the rest stay joined.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "REELCACHE_"))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return ""
	}
	return section + "." + rest
}

// normalizeHostList converts a comma-separated env value into a slice,
// since env vars arrive as plain strings.
func normalizeHostList(k *koanf.Koanf) error {
	const path = "origin.thumbnail_hosts"
	raw, ok := k.Get(path).(string)
	if !ok || raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hosts = append(hosts, p)
		}
	}
	if err := k.Set(path, hosts); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}
