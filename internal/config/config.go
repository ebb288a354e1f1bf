package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config defines the daemon configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Relay  RelayConfig  `yaml:"relay"`
	Status StatusConfig `yaml:"status"`
	Sync   SyncConfig   `yaml:"sync"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig selects the durable and session backends by DSN.
// Supported schemes: file://, memory://, postgres://, sqlite://.
type StoreConfig struct {
	DurableDSN string `yaml:"durableDsn"`
	SessionDSN string `yaml:"sessionDsn"`
	MaxBytes   int64  `yaml:"maxBytes"`
}

// RelayConfig points at the ephemeral relay. An empty URL runs the
// in-process loopback bus instead.
type RelayConfig struct {
	URL   string `yaml:"url"`
	Scope string `yaml:"scope"`
}

// StatusConfig configures the diagnostics HTTP listener. An empty address
// disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type SyncConfig struct {
	OwnerID            int64  `yaml:"ownerId"`
	ScopeID            string `yaml:"scopeId"`
	QueueOpenThreshold int    `yaml:"queueOpenThreshold"`
	MaxCachedRecords   int    `yaml:"maxCachedRecords"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// TransportScope is the ephemeral channel's isolation scope. It follows the
// identity's scopeId so instances only ever broadcast to peers whose records
// they can see; relay.scope is the fallback for unscoped (legacy) instances.
func (c Config) TransportScope() string {
	if c.Sync.ScopeID != "" {
		return c.Sync.ScopeID
	}
	return c.Relay.Scope
}

// Load reads configuration from an optional YAML file and environment
// variables. Environment variables win over the file.
func Load() (Config, error) {
	cfg := Config{
		Store: StoreConfig{
			DurableDSN: "file://./tabsync-data",
			SessionDSN: "memory://",
		},
		Relay: RelayConfig{
			Scope: "default",
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:7432",
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path := os.Getenv("TABSYNC_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if dsn := os.Getenv("TABSYNC_DURABLE_DSN"); dsn != "" {
		cfg.Store.DurableDSN = dsn
	}
	if dsn := os.Getenv("TABSYNC_SESSION_DSN"); dsn != "" {
		cfg.Store.SessionDSN = dsn
	}
	if raw := os.Getenv("TABSYNC_STORE_MAX_BYTES"); raw != "" {
		maxBytes, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TABSYNC_STORE_MAX_BYTES: %w", err)
		}
		cfg.Store.MaxBytes = maxBytes
	}
	if u := os.Getenv("TABSYNC_RELAY_URL"); u != "" {
		cfg.Relay.URL = u
	}
	if scope := os.Getenv("TABSYNC_RELAY_SCOPE"); scope != "" {
		cfg.Relay.Scope = scope
	}
	if addr := os.Getenv("TABSYNC_STATUS_ADDR"); addr != "" {
		cfg.Status.Addr = addr
	}
	if raw := os.Getenv("TABSYNC_OWNER_ID"); raw != "" {
		ownerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TABSYNC_OWNER_ID: %w", err)
		}
		cfg.Sync.OwnerID = ownerID
	}
	if scopeID := os.Getenv("TABSYNC_SCOPE_ID"); scopeID != "" {
		cfg.Sync.ScopeID = scopeID
	}
	if level := os.Getenv("TABSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
