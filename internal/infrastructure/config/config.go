package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Ledgerline session agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Storage     StorageConfig     `yaml:"storage"`
	Broker      BrokerConfig      `yaml:"broker"`
	AuthService AuthServiceConfig `yaml:"auth_service"`
	Session     SessionConfig     `yaml:"session"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AgentConfig identifies this execution context within the deployment.
type AgentConfig struct {
	// ContextID uniquely identifies this agent instance. Generated if empty.
	ContextID string `yaml:"context_id"`

	// AppID names the application this agent serves (e.g. "crm", "orders").
	// Used as the MQTT delivery address for cross-app notifications.
	AppID string `yaml:"app_id"`
}

// StorageConfig contains SQLite database settings for the shared profile store.
type StorageConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// BrokerConfig contains MQTT broker settings for cross-app notifications.
// The broker channel is advisory: the agent runs without it when disabled.
type BrokerConfig struct {
	Enabled   bool                  `yaml:"enabled"`
	Host      string                `yaml:"host"`
	Port      int                   `yaml:"port"`
	TLS       bool                  `yaml:"tls"`
	ClientID  string                `yaml:"client_id"`
	Auth      BrokerAuthConfig      `yaml:"auth"`
	QoS       int                   `yaml:"qos"`
	Reconnect BrokerReconnectConfig `yaml:"reconnect"`

	// PeerApps is the allow-list of cooperating application IDs that
	// receive (and are accepted as senders of) session notifications.
	PeerApps []string `yaml:"peer_apps"`
}

// BrokerAuthConfig contains MQTT authentication credentials.
type BrokerAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerReconnectConfig contains MQTT reconnection settings (seconds).
type BrokerReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// AuthServiceConfig contains the upstream authentication service settings.
type AuthServiceConfig struct {
	BaseURL string `yaml:"base_url"`

	// Timeout bounds every request to the auth service (seconds).
	// A timeout is classified as a transient network failure.
	Timeout int `yaml:"timeout"`
}

// SessionConfig contains session lifecycle tuning.
type SessionConfig struct {
	// SafetyMargin is how long before access token expiry a proactive
	// refresh is scheduled (seconds).
	SafetyMargin int `yaml:"safety_margin"`

	// MinRefreshDelay is the floor for the refresh timer (seconds),
	// protecting against pathological expiry values.
	MinRefreshDelay int `yaml:"min_refresh_delay"`

	// MarkerPollInterval is how often the marker table is polled for
	// notifications from sibling contexts (milliseconds).
	MarkerPollInterval int `yaml:"marker_poll_interval"`

	// NonceRetention is how long processed broadcast nonces are remembered
	// for deduplication (seconds).
	NonceRetention int `yaml:"nonce_retention"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains rotating file log settings (lumberjack).
type FileLoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// Duration helpers. Config stores plain integers to keep the YAML surface
// simple; callers want time.Duration.

// RequestTimeout returns the auth service request timeout.
func (c AuthServiceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// SafetyMarginDuration returns the proactive refresh margin.
func (c SessionConfig) SafetyMarginDuration() time.Duration {
	return time.Duration(c.SafetyMargin) * time.Second
}

// MinRefreshDelayDuration returns the refresh timer floor.
func (c SessionConfig) MinRefreshDelayDuration() time.Duration {
	return time.Duration(c.MinRefreshDelay) * time.Second
}

// MarkerPollIntervalDuration returns the marker poll cadence.
func (c SessionConfig) MarkerPollIntervalDuration() time.Duration {
	return time.Duration(c.MarkerPollInterval) * time.Millisecond
}

// NonceRetentionDuration returns the dedupe retention window.
func (c SessionConfig) NonceRetentionDuration() time.Duration {
	return time.Duration(c.NonceRetention) * time.Second
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LEDGERLINE_SECTION_KEY
// For example: LEDGERLINE_STORAGE_PATH, LEDGERLINE_AUTH_BASE_URL
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in defaults without reading a file.
// Intended for tests and embedded use where the caller fills in the
// storage path and auth service URL directly.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			AppID: "ledgerline",
		},
		Storage: StorageConfig{
			Path:        "./data/ledgerline-session.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Broker: BrokerConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     1883,
			ClientID: "ledgerline-session",
			QoS:      1,
			Reconnect: BrokerReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		AuthService: AuthServiceConfig{
			BaseURL: "http://localhost:9400",
			Timeout: 10,
		},
		Session: SessionConfig{
			SafetyMargin:       300,
			MinRefreshDelay:    5,
			MarkerPollInterval: 250,
			NonceRetention:     300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LEDGERLINE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEDGERLINE_CONTEXT_ID"); v != "" {
		cfg.Agent.ContextID = v
	}
	if v := os.Getenv("LEDGERLINE_APP_ID"); v != "" {
		cfg.Agent.AppID = v
	}

	if v := os.Getenv("LEDGERLINE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := os.Getenv("LEDGERLINE_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("LEDGERLINE_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv("LEDGERLINE_BROKER_USERNAME"); v != "" {
		cfg.Broker.Auth.Username = v
	}
	if v := os.Getenv("LEDGERLINE_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Auth.Password = v
	}

	if v := os.Getenv("LEDGERLINE_AUTH_BASE_URL"); v != "" {
		cfg.AuthService.BaseURL = v
	}

	if v := os.Getenv("LEDGERLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// It verifies required fields are present and numeric settings are in
// range. Broker settings are only validated when the broker is enabled.
func (c *Config) Validate() error {
	var problems []string

	if c.Agent.AppID == "" {
		problems = append(problems, "agent.app_id is required")
	}
	if c.Storage.Path == "" {
		problems = append(problems, "storage.path is required")
	}
	if c.Storage.BusyTimeout < 0 {
		problems = append(problems, "storage.busy_timeout must not be negative")
	}

	if c.Broker.Enabled {
		if c.Broker.Host == "" {
			problems = append(problems, "broker.host is required when broker is enabled")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			problems = append(problems, "broker.port must be between 1 and 65535")
		}
		if c.Broker.ClientID == "" {
			problems = append(problems, "broker.client_id is required when broker is enabled")
		}
		if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
			problems = append(problems, "broker.qos must be 0, 1, or 2")
		}
	}

	if c.AuthService.BaseURL == "" {
		problems = append(problems, "auth_service.base_url is required")
	}
	if !strings.HasPrefix(c.AuthService.BaseURL, "http://") &&
		!strings.HasPrefix(c.AuthService.BaseURL, "https://") {
		problems = append(problems, "auth_service.base_url must be an http(s) URL")
	}
	if c.AuthService.Timeout <= 0 {
		problems = append(problems, "auth_service.timeout must be positive")
	}

	if c.Session.SafetyMargin < 0 {
		problems = append(problems, "session.safety_margin must not be negative")
	}
	if c.Session.MinRefreshDelay <= 0 {
		problems = append(problems, "session.min_refresh_delay must be positive")
	}
	if c.Session.MarkerPollInterval <= 0 {
		problems = append(problems, "session.marker_poll_interval must be positive")
	}
	if c.Session.NonceRetention <= 0 {
		problems = append(problems, "session.nonce_retention must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}
