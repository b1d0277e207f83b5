package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the vspc process configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Session SessionConfig `yaml:"session" json:"session"`
	Logger  LoggerConfig  `yaml:"logger" json:"logger"`
	Worker  WorkerConfig  `yaml:"worker" json:"worker"`
}

// ServerConfig holds the two listener addresses vspc binds: the VM-facing
// Telnet listener and the subscriber-facing observer listener.
type ServerConfig struct {
	ListenAddr         string `yaml:"listen_addr" json:"listen_addr"`
	ListenPort         int    `yaml:"listen_port" json:"listen_port"`
	ObserverListenAddr string `yaml:"observer_listen_addr" json:"observer_listen_addr"`
	ObserverListenPort int    `yaml:"observer_listen_port" json:"observer_listen_port"`
	AdmissionRateLimit string `yaml:"admission_rate_limit" json:"admission_rate_limit"`
	ByteRateLimit      string `yaml:"byte_rate_limit" json:"byte_rate_limit"`
}

// SessionConfig holds the migration state machine timeouts and the
// fan-out buffer sizing, per the session and buffer model.
type SessionConfig struct {
	AdmissionTimeoutS   int `yaml:"admission_timeout_s" json:"admission_timeout_s"`
	TGoaheadS           int `yaml:"t_goahead_s" json:"t_goahead_s"`
	TPeerS              int `yaml:"t_peer_s" json:"t_peer_s"`
	TCompleteS          int `yaml:"t_complete_s" json:"t_complete_s"`
	SessionIdleGraceS   int `yaml:"session_idle_grace_s" json:"session_idle_grace_s"`
	ScrollbackBytes     int `yaml:"scrollback_bytes" json:"scrollback_bytes"`
	PerSubscriberQueueBytes int `yaml:"per_subscriber_queue_bytes" json:"per_subscriber_queue_bytes"`
}

// AdmissionTimeout returns the configured admission timeout as a Duration.
func (s SessionConfig) AdmissionTimeout() time.Duration {
	return time.Duration(s.AdmissionTimeoutS) * time.Second
}

// GoaheadTimeout returns T_goahead as a Duration.
func (s SessionConfig) GoaheadTimeout() time.Duration {
	return time.Duration(s.TGoaheadS) * time.Second
}

// PeerTimeout returns T_peer as a Duration.
func (s SessionConfig) PeerTimeout() time.Duration {
	return time.Duration(s.TPeerS) * time.Second
}

// CompleteTimeout returns T_complete as a Duration.
func (s SessionConfig) CompleteTimeout() time.Duration {
	return time.Duration(s.TCompleteS) * time.Second
}

// IdleGrace returns the session idle grace period as a Duration.
func (s SessionConfig) IdleGrace() time.Duration {
	return time.Duration(s.SessionIdleGraceS) * time.Second
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // "json" or "text"
	Output     string `yaml:"output" json:"output"` // "stdout", "stderr", or file path
	ShowCaller bool   `yaml:"show_caller" json:"show_caller"`
	Colorize   bool   `yaml:"colorize" json:"colorize"`
}

// WorkerConfig controls the reactor pool that pins Sessions to workers.
type WorkerConfig struct {
	ReactorCount int `yaml:"reactor_count" json:"reactor_count"`
}

// DefaultConfig returns a configuration with the defaults named in the
// external interfaces section: T_goahead 5 minutes, T_peer 30 seconds,
// T_complete 5 minutes.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         "0.0.0.0",
			ListenPort:         1974,
			ObserverListenAddr: "0.0.0.0",
			ObserverListenPort: 8080,
			AdmissionRateLimit: "50/s",
			ByteRateLimit:      "",
		},
		Session: SessionConfig{
			AdmissionTimeoutS:      10,
			TGoaheadS:              300,
			TPeerS:                 30,
			TCompleteS:             300,
			SessionIdleGraceS:      60,
			ScrollbackBytes:        65536,
			PerSubscriberQueueBytes: 1 << 20,
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			ShowCaller: false,
			Colorize:   true,
		},
		Worker: WorkerConfig{
			ReactorCount: 0, // 0 means "one reactor per logical CPU", resolved by the worker pool
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv applies VSPC_* environment overrides on top of file/defaults.
func loadFromEnv(cfg *Config) {
	if val := os.Getenv("VSPC_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv("VSPC_LISTEN_PORT"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Server.ListenPort = num
		}
	}
	if val := os.Getenv("VSPC_OBSERVER_LISTEN_ADDR"); val != "" {
		cfg.Server.ObserverListenAddr = val
	}
	if val := os.Getenv("VSPC_OBSERVER_LISTEN_PORT"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Server.ObserverListenPort = num
		}
	}
	if val := os.Getenv("VSPC_ADMISSION_RATE_LIMIT"); val != "" {
		cfg.Server.AdmissionRateLimit = val
	}
	if val := os.Getenv("VSPC_BYTE_RATE_LIMIT"); val != "" {
		cfg.Server.ByteRateLimit = val
	}

	if val := os.Getenv("VSPC_ADMISSION_TIMEOUT_S"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.AdmissionTimeoutS = num
		}
	}
	if val := os.Getenv("VSPC_T_GOAHEAD_S"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.TGoaheadS = num
		}
	}
	if val := os.Getenv("VSPC_T_PEER_S"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.TPeerS = num
		}
	}
	if val := os.Getenv("VSPC_T_COMPLETE_S"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.TCompleteS = num
		}
	}
	if val := os.Getenv("VSPC_SESSION_IDLE_GRACE_S"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.SessionIdleGraceS = num
		}
	}
	if val := os.Getenv("VSPC_SCROLLBACK_BYTES"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.ScrollbackBytes = num
		}
	}
	if val := os.Getenv("VSPC_PER_SUBSCRIBER_QUEUE_BYTES"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Session.PerSubscriberQueueBytes = num
		}
	}

	if val := os.Getenv("VSPC_LOG_LEVEL"); val != "" {
		cfg.Logger.Level = strings.ToLower(val)
	}
	if val := os.Getenv("VSPC_LOG_FORMAT"); val != "" {
		cfg.Logger.Format = strings.ToLower(val)
	}
	if val := os.Getenv("VSPC_LOG_OUTPUT"); val != "" {
		cfg.Logger.Output = val
	}
	if val := os.Getenv("VSPC_LOG_SHOW_CALLER"); val != "" {
		cfg.Logger.ShowCaller = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("VSPC_LOG_COLORIZE"); val != "" {
		cfg.Logger.Colorize = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("VSPC_WORKER_REACTOR_COUNT"); val != "" {
		if num, err := strconv.Atoi(val); err == nil {
			cfg.Worker.ReactorCount = num
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("server.listen_port must be between 0 and 65535")
	}
	if c.Server.ObserverListenPort < 0 || c.Server.ObserverListenPort > 65535 {
		return fmt.Errorf("server.observer_listen_port must be between 0 and 65535")
	}
	if c.Server.ListenPort == c.Server.ObserverListenPort && c.Server.ListenAddr == c.Server.ObserverListenAddr {
		return fmt.Errorf("server.listen_port and server.observer_listen_port must not collide on the same address")
	}

	if c.Session.AdmissionTimeoutS <= 0 {
		return fmt.Errorf("session.admission_timeout_s must be positive")
	}
	if c.Session.TGoaheadS <= 0 {
		return fmt.Errorf("session.t_goahead_s must be positive")
	}
	if c.Session.TPeerS <= 0 {
		return fmt.Errorf("session.t_peer_s must be positive")
	}
	if c.Session.TCompleteS <= 0 {
		return fmt.Errorf("session.t_complete_s must be positive")
	}
	if c.Session.SessionIdleGraceS < 0 {
		return fmt.Errorf("session.session_idle_grace_s must be non-negative")
	}
	if c.Session.ScrollbackBytes < 0 {
		return fmt.Errorf("session.scrollback_bytes must be non-negative")
	}
	if c.Session.PerSubscriberQueueBytes <= 0 {
		return fmt.Errorf("session.per_subscriber_queue_bytes must be positive")
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, c.Logger.Level) {
		return fmt.Errorf("logger.level must be one of: %v", validLogLevels)
	}
	validFormats := []string{"json", "text"}
	if !contains(validFormats, c.Logger.Format) {
		return fmt.Errorf("logger.format must be one of: %v", validFormats)
	}

	if c.Worker.ReactorCount < 0 {
		return fmt.Errorf("worker.reactor_count must be non-negative")
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	if configDir := os.Getenv("XDG_CONFIG_HOME"); configDir != "" {
		return filepath.Join(configDir, "vspc", "config.yaml")
	}

	if homeDir := os.Getenv("HOME"); homeDir != "" {
		return filepath.Join(homeDir, ".config", "vspc", "config.yaml")
	}

	return "config.yaml"
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
