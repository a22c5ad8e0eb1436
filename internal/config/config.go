package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort              = 7667
	DefaultSubprotocol       = "prysmo"
	DefaultHeartbeatInterval = 3000
	DefaultBackupFile        = "session.json"
	DefaultBackupInterval    = 5
	DefaultMaxMessageSize    = 64 * 1024
	DefaultWriteTimeout      = 10

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrInvalidConfig is wrapped by every error returned from Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// TLSConfig points at the PEM files used to serve wss://.
type TLSConfig struct {
	CertFile string `json:"cert_file,omitempty" toml:"cert_file"`
	KeyFile  string `json:"key_file,omitempty" toml:"key_file"`
}

// Enabled reports whether both files are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// SessionConfig controls the session store.
type SessionConfig struct {
	Persist               bool   `json:"persist" toml:"persist"`
	ExpiresHours          int    `json:"expires_hours,omitempty" toml:"expires_hours"` // 0 disables expiry
	Backend               string `json:"backend,omitempty" toml:"backend"`             // "file" or "sqlite"
	BackupFile            string `json:"backup_file,omitempty" toml:"backup_file"`
	BackupIntervalMinutes int    `json:"backup_interval_minutes,omitempty" toml:"backup_interval_minutes"`
}

// ExpiryWindow returns the session lifetime, zero when expiry is disabled.
func (s SessionConfig) ExpiryWindow() time.Duration {
	if s.ExpiresHours <= 0 {
		return 0
	}
	return time.Duration(s.ExpiresHours) * time.Hour
}

// BackupInterval returns the period of the background save.
func (s SessionConfig) BackupInterval() time.Duration {
	if s.BackupIntervalMinutes <= 0 {
		return DefaultBackupInterval * time.Minute
	}
	return time.Duration(s.BackupIntervalMinutes) * time.Minute
}

// Config represents gateway configuration
type Config struct {
	Host                string        `json:"host,omitempty" toml:"host"`
	Port                int           `json:"port" toml:"port"`
	SecureOnly          bool          `json:"secure_only" toml:"secure_only"`
	TLS                 TLSConfig     `json:"tls" toml:"tls"`
	Subprotocol         string        `json:"subprotocol" toml:"subprotocol"`
	HeartbeatIntervalMS int           `json:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	MaxConnections      int           `json:"max_connections,omitempty" toml:"max_connections"` // 0 means unlimited
	MaxMessageSize      int64         `json:"max_message_size" toml:"max_message_size"`
	WriteTimeoutSeconds int           `json:"write_timeout_seconds" toml:"write_timeout_seconds"`
	Session             SessionConfig `json:"session" toml:"session"`
	LogLevel            string        `json:"log_level" toml:"log_level"` // debug, info, warn, error, none
	LogPath             string        `json:"log_path,omitempty" toml:"log_path"`
	PprofAddr           string        `json:"pprof_addr,omitempty" toml:"pprof_addr"` // empty disables profiling
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "prysmo")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "prysmo")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "prysmo")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "prysmo")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:                DefaultPort,
		Subprotocol:         DefaultSubprotocol,
		HeartbeatIntervalMS: DefaultHeartbeatInterval,
		MaxMessageSize:      DefaultMaxMessageSize,
		WriteTimeoutSeconds: DefaultWriteTimeout,
		Session: SessionConfig{
			Backend:               BackendFile,
			BackupFile:            DefaultBackupFile,
			BackupIntervalMinutes: DefaultBackupInterval,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from file. A missing file yields the defaults;
// files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if isTOML(path) {
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	config.fillDefaults()
	return config, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (c *Config) fillDefaults() {
	if c.Subprotocol == "" {
		c.Subprotocol = DefaultSubprotocol
	}
	if c.HeartbeatIntervalMS <= 0 {
		c.HeartbeatIntervalMS = DefaultHeartbeatInterval
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = DefaultWriteTimeout
	}
	if c.Session.Backend == "" {
		c.Session.Backend = BackendFile
	}
	if c.Session.BackupFile == "" {
		c.Session.BackupFile = DefaultBackupFile
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ApplyEnv lets environment variables override file values.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv("PRYSMO_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("PRYSMO_LOG_PATH")); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("PRYSMO_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PRYSMO_PORT: %w", err)
		}
		c.Port = port
	}
	return nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls needs both cert_file and key_file", ErrInvalidConfig)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", ErrInvalidConfig)
	}
	if c.Session.ExpiresHours < 0 {
		return fmt.Errorf("%w: session.expires_hours must not be negative", ErrInvalidConfig)
	}
	switch c.Session.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("%w: unknown session backend %q", ErrInvalidConfig, c.Session.Backend)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HeartbeatInterval returns the period between liveness probes.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMS <= 0 {
		return DefaultHeartbeatInterval * time.Millisecond
	}
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// WriteTimeout returns the deadline applied to each outbound frame.
func (c *Config) WriteTimeout() time.Duration {
	if c.WriteTimeoutSeconds <= 0 {
		return DefaultWriteTimeout * time.Second
	}
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// Save saves configuration to file, in TOML when the path ends in .toml.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the config path, honouring PRYSMO_CONFIG.
func GetConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("PRYSMO_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.json")
}
