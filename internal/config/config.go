// Package config loads glucosync configuration from defaults, an optional
// YAML file and GLUCOSYNC_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" env:"DATA_DIR"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	Gateway   GatewayConfig   `yaml:"gateway" envPrefix:"GATEWAY_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Sync      SyncConfig      `yaml:"sync" envPrefix:"SYNC_"`
	Workflow  WorkflowConfig  `yaml:"workflow" envPrefix:"WORKFLOW_"`
	Export    ExportConfig    `yaml:"export" envPrefix:"EXPORT_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// GatewayConfig addresses the remote API gateway.
type GatewayConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AuthConfig holds login credentials. The password is only read from the
// environment.
type AuthConfig struct {
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"-" env:"PASSWORD"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	AutoSyncOnReconnect bool          `yaml:"auto_sync_on_reconnect" env:"AUTO_SYNC_ON_RECONNECT"`
	ProbeInterval       time.Duration `yaml:"probe_interval" env:"PROBE_INTERVAL"`
	// Interval between periodic full syncs while online. Zero disables them.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// WorkflowConfig tunes the orchestrator.
type WorkflowConfig struct {
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// ExportConfig sets where archives are written.
type ExportConfig struct {
	// Dir defaults to <data_dir>/exports.
	Dir string `yaml:"dir" env:"DIR"`
	// Keep bounds the generated archives kept in Dir. Zero keeps all.
	Keep int `yaml:"keep" env:"KEEP"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Environment  string `yaml:"environment" env:"ENVIRONMENT"`
}

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GLUCOSYNC_"

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".glucosync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".glucosync")
	}

	return &Config{
		DataDir:  dataDir,
		LogLevel: "info",
		Gateway: GatewayConfig{
			BaseURL: "http://localhost:8004",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			MaxRetries:          3,
			AutoSyncOnReconnect: true,
			ProbeInterval:       15 * time.Second,
		},
		Workflow: WorkflowConfig{
			HistoryLimit: 50,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Environment:  "development",
		},
	}
}

// Load builds the configuration. path may be empty; a named file that does
// not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("config: data_dir is required")
	case c.Gateway.BaseURL == "":
		return fmt.Errorf("config: gateway.base_url is required")
	case c.Gateway.Timeout <= 0:
		return fmt.Errorf("config: gateway.timeout must be positive")
	case c.Sync.MaxRetries <= 0:
		return fmt.Errorf("config: sync.max_retries must be positive")
	case c.Sync.ProbeInterval <= 0:
		return fmt.Errorf("config: sync.probe_interval must be positive")
	case c.Sync.Interval < 0:
		return fmt.Errorf("config: sync.interval must not be negative")
	case c.Workflow.HistoryLimit <= 0:
		return fmt.Errorf("config: workflow.history_limit must be positive")
	case c.Export.Keep < 0:
		return fmt.Errorf("config: export.keep must not be negative")
	}
	return nil
}
