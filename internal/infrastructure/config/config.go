package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for FieldSync.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Sync      SyncConfig      `yaml:"sync"`
	Security  SecurityConfig  `yaml:"security"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig describes this device's identity within the replication network.
type NodeConfig struct {
	// Name is the human-readable device name, included in the self-signed
	// device record.
	Name string `yaml:"name"`

	// Description is free-form text describing this installation.
	Description string `yaml:"description"`

	// Central marks this process as the central authority. The own device
	// is flagged trusted at bootstrap, which authorises it to sign Zone
	// and DeviceZone records.
	Central bool `yaml:"central"`

	// CentralHost is the hostname of the central authority. It seeds the
	// root UUID namespace, so it must be identical across an installation
	// and must never change once devices have been issued ids.
	CentralHost string `yaml:"central_host"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SyncConfig contains replication settings.
type SyncConfig struct {
	// BatchLimit is the soft cap on records selected per pull round.
	BatchLimit int `yaml:"batch_limit"`

	// SessionTimeout is how long a session may sit idle before the
	// garbage collector closes it (seconds).
	SessionTimeout int `yaml:"session_timeout"`

	// PurgatoryRetryInterval is how often quarantined imports are
	// re-driven (seconds).
	PurgatoryRetryInterval int `yaml:"purgatory_retry_interval"`

	// ClientVersion is reported to peers during the handshake.
	ClientVersion string `yaml:"client_version"`

	// PeerURL is the base URL of the peer this device pulls from
	// (usually the central authority). Empty disables outbound sync.
	PeerURL string `yaml:"peer_url"`

	// PeerSyncInterval is how often to run a sync round against the
	// peer (seconds). 0 disables the loop even when peer_url is set.
	PeerSyncInterval int `yaml:"peer_sync_interval"`

	// PeerTrusted marks the peer's device as trusted once its identity
	// is established in the handshake. Set for the central authority.
	PeerTrusted bool `yaml:"peer_trusted"`

	// Zone optionally pins the zone to replicate. Empty means the zone
	// this device is assigned to.
	Zone string `yaml:"zone"`
}

// SecurityConfig contains key storage and admin API settings.
type SecurityConfig struct {
	// KeyPath is where the device's RSA private key is persisted (PEM).
	// Generated on first start if absent.
	KeyPath string `yaml:"key_path"`

	Admin AdminConfig `yaml:"admin"`
}

// AdminConfig contains admin API token settings.
type AdminConfig struct {
	// Secret signs admin bearer tokens and is exchanged for them at
	// /admin/token. Required when the admin surface is used.
	Secret string `yaml:"secret"`

	// TokenTTL is the admin token lifetime in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// WebSocketConfig contains the admin event feed settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FIELDSYNC_SECTION_KEY
// For example: FIELDSYNC_DATABASE_PATH, FIELDSYNC_ADMIN_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// Default sync tuning values.
const (
	defaultBatchLimit     = 100
	defaultSessionTimeout = 300
	defaultRetryInterval  = 900
)

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:        "fieldsync-device",
			CentralHost: "sync.example.org",
		},
		Database: DatabaseConfig{
			Path:        "./data/fieldsync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8585,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Sync: SyncConfig{
			BatchLimit:             defaultBatchLimit,
			SessionTimeout:         defaultSessionTimeout,
			PurgatoryRetryInterval: defaultRetryInterval,
			ClientVersion:          "dev",
		},
		Security: SecurityConfig{
			KeyPath: "./data/device_key.pem",
			Admin: AdminConfig{
				TokenTTL: 15,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FIELDSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Node
	if v := os.Getenv("FIELDSYNC_NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("FIELDSYNC_NODE_CENTRAL"); v != "" {
		cfg.Node.Central, _ = strconv.ParseBool(v) //nolint:errcheck // unparseable values leave the default
	}
	if v := os.Getenv("FIELDSYNC_NODE_CENTRAL_HOST"); v != "" {
		cfg.Node.CentralHost = v
	}

	// Database
	if v := os.Getenv("FIELDSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// API
	if v := os.Getenv("FIELDSYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FIELDSYNC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Security
	if v := os.Getenv("FIELDSYNC_KEY_PATH"); v != "" {
		cfg.Security.KeyPath = v
	}
	if v := os.Getenv("FIELDSYNC_ADMIN_SECRET"); v != "" {
		cfg.Security.Admin.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Node.CentralHost == "" {
		errs = append(errs, "node.central_host is required (it seeds the root UUID namespace)")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Sync.BatchLimit < 1 {
		errs = append(errs, "sync.batch_limit must be at least 1")
	}

	if c.Sync.SessionTimeout < 1 {
		errs = append(errs, "sync.session_timeout must be at least 1 second")
	}

	if c.Security.KeyPath == "" {
		errs = append(errs, "security.key_path is required")
	}

	// Admin tokens are forged trivially with a short secret. Only enforce
	// length when the admin surface is enabled at all.
	const minAdminSecretLength = 32
	if c.Security.Admin.Secret != "" && len(c.Security.Admin.Secret) < minAdminSecretLength {
		errs = append(errs, "security.admin.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetSessionTimeout returns the sync session idle timeout as a Duration.
func (c *Config) GetSessionTimeout() time.Duration {
	return time.Duration(c.Sync.SessionTimeout) * time.Second
}

// GetPurgatoryRetryInterval returns the purgatory retry interval as a Duration.
func (c *Config) GetPurgatoryRetryInterval() time.Duration {
	return time.Duration(c.Sync.PurgatoryRetryInterval) * time.Second
}

// GetPeerSyncInterval returns the peer sync interval as a Duration.
func (c *Config) GetPeerSyncInterval() time.Duration {
	return time.Duration(c.Sync.PeerSyncInterval) * time.Second
}
