// Package config holds fieldsync runtime configuration. JSON is the
// primary format; .toml and .yaml files load through the same struct for
// deployments that standardized on either.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds all fieldsync configuration.
type Config struct {
	Server       ServerConfig       `json:"server" toml:"server" yaml:"server"`
	Remote       RemoteConfig       `json:"remote" toml:"remote" yaml:"remote"`
	Connectivity ConnectivityConfig `json:"connectivity" toml:"connectivity" yaml:"connectivity"`
	Cache        CacheConfig        `json:"cache" toml:"cache" yaml:"cache"`
	Usage        UsageConfig        `json:"usage" toml:"usage" yaml:"usage"`
	Storage      StorageConfig      `json:"storage" toml:"storage" yaml:"storage"`
}

// ServerConfig configures the local status API.
type ServerConfig struct {
	Port     int    `json:"port" toml:"port" yaml:"port"`
	LogLevel string `json:"logLevel" toml:"log_level" yaml:"log_level"`
}

// RemoteConfig points at the hosted document API.
type RemoteConfig struct {
	BaseURL   string `json:"baseUrl" toml:"base_url" yaml:"base_url"`
	AuthToken string `json:"authToken" toml:"auth_token" yaml:"auth_token"`
}

// ConnectivityConfig selects the reachability signal source.
type ConnectivityConfig struct {
	// Mode is "mqtt" (default, push-style) or "probe" (polling fallback).
	Mode     string `json:"mode" toml:"mode" yaml:"mode"`
	Broker   string `json:"broker,omitempty" toml:"broker" yaml:"broker"`
	Port     int    `json:"port,omitempty" toml:"port" yaml:"port"`
	Username string `json:"username,omitempty" toml:"username" yaml:"username"`
	Password string `json:"password,omitempty" toml:"password" yaml:"password"`

	ProbeURL             string `json:"probeUrl,omitempty" toml:"probe_url" yaml:"probe_url"`
	ProbeIntervalSeconds int    `json:"probeIntervalSeconds,omitempty" toml:"probe_interval_seconds" yaml:"probe_interval_seconds"`
}

// CacheConfig tunes the versioned read cache.
type CacheConfig struct {
	TTLDays       int    `json:"ttlDays" toml:"ttl_days" yaml:"ttl_days"`
	MaxRecords    int    `json:"maxRecords" toml:"max_records" yaml:"max_records"`
	PruneSchedule string `json:"pruneSchedule" toml:"prune_schedule" yaml:"prune_schedule"`
}

// UsageConfig tunes usage accounting.
type UsageConfig struct {
	WarnThreshold    int    `json:"warnThreshold" toml:"warn_threshold" yaml:"warn_threshold"`
	RolloverSchedule string `json:"rolloverSchedule" toml:"rollover_schedule" yaml:"rollover_schedule"`
}

// StorageConfig locates the local database.
type StorageConfig struct {
	Path string `json:"path" toml:"path" yaml:"path"`
	// Passphrase, when set, seals every stored blob with secretbox.
	Passphrase string `json:"passphrase,omitempty" toml:"passphrase" yaml:"passphrase"`
}

// Default returns a Config with every tunable at its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8099,
			LogLevel: "info",
		},
		Connectivity: ConnectivityConfig{
			Mode: "mqtt",
			Port: 1883,
		},
		Cache: CacheConfig{
			TTLDays:       7,
			MaxRecords:    500,
			PruneSchedule: "@hourly",
		},
		Usage: UsageConfig{
			WarnThreshold:    50000,
			RolloverSchedule: "5 0 * * *", // just past midnight
		},
		Storage: StorageConfig{
			Path: "fieldsync.db",
		},
	}
}

// Load reads the config file at path, applying defaults for anything the
// file leaves unset. The format follows the file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.baseUrl is required")
	}
	if c.Remote.AuthToken == "" {
		return fmt.Errorf("remote.authToken is required")
	}
	switch c.Connectivity.Mode {
	case "mqtt":
		if c.Connectivity.Broker == "" {
			return fmt.Errorf("connectivity.broker is required in mqtt mode")
		}
	case "probe":
		if c.Connectivity.ProbeURL == "" {
			return fmt.Errorf("connectivity.probeUrl is required in probe mode")
		}
	default:
		return fmt.Errorf("connectivity.mode must be %q or %q, got %q", "mqtt", "probe", c.Connectivity.Mode)
	}
	if c.Cache.TTLDays <= 0 {
		return fmt.Errorf("cache.ttlDays must be positive")
	}
	if c.Cache.MaxRecords <= 0 {
		return fmt.Errorf("cache.maxRecords must be positive")
	}
	return nil
}
