package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete daemon and CLI configuration
type Config struct {
	DeviceID      string           `mapstructure:"device_id" yaml:"device_id"`
	SubjectPrefix string           `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Compressor    CompressorConfig `mapstructure:"compressor" yaml:"compressor"`
	Strategy      StrategyConfig   `mapstructure:"strategy" yaml:"strategy"`
	Probe         ProbeConfig      `mapstructure:"probe" yaml:"probe"`
	NATS          NATSConfig       `mapstructure:"nats" yaml:"nats"`
	Tasks         TasksConfig      `mapstructure:"tasks" yaml:"tasks"`
	Store         StoreConfig      `mapstructure:"store" yaml:"store"`
	Logging       LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// CompressorConfig selects the compression backend
type CompressorConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"` // "pigz" or "builtin"
	Binary      string        `mapstructure:"binary" yaml:"binary"`
	Format      string        `mapstructure:"format" yaml:"format"` // builtin only
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// StrategyConfig holds the execution strategy tunables
type StrategyConfig struct {
	BaseThresholdMB int64  `mapstructure:"base_threshold_mb" yaml:"base_threshold_mb"`
	MemoryFloorMB   uint64 `mapstructure:"memory_floor_mb" yaml:"memory_floor_mb"`
	MinThresholdMB  int64  `mapstructure:"min_threshold_mb" yaml:"min_threshold_mb"`
	LevelAdjustment int    `mapstructure:"level_adjustment" yaml:"level_adjustment"`
	DefaultLevel    int    `mapstructure:"default_level" yaml:"default_level"`
}

// ProbeConfig selects where resource snapshots come from
type ProbeConfig struct {
	Source      string `mapstructure:"source" yaml:"source"` // "builtin" or "exporter"
	ExporterURL string `mapstructure:"exporter_url" yaml:"exporter_url"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	URLs          []string      `mapstructure:"urls" yaml:"urls"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
	TLS           TLSConfig     `mapstructure:"tls" yaml:"tls"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// AuthConfig holds NATS authentication settings
type AuthConfig struct {
	Type      string `mapstructure:"type" yaml:"type"` // none, token, userpass, creds
	CredsFile string `mapstructure:"creds_file" yaml:"creds_file,omitempty"`
	Token     string `mapstructure:"token" yaml:"token,omitempty"`
	Username  string `mapstructure:"username" yaml:"username,omitempty"`
	Password  string `mapstructure:"password" yaml:"password,omitempty"`
}

// TLSConfig holds TLS settings for the NATS connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// TasksConfig holds scheduled job settings
type TasksConfig struct {
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Watch     []WatchConfig   `mapstructure:"watch" yaml:"watch"`
}

// HeartbeatConfig controls the heartbeat job
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// WatchConfig is a folder processed as a batch on an interval
type WatchConfig struct {
	Path       string        `mapstructure:"path" yaml:"path"`
	Interval   time.Duration `mapstructure:"interval" yaml:"interval"`
	Level      int           `mapstructure:"level" yaml:"level,omitempty"`
	Decompress bool          `mapstructure:"decompress" yaml:"decompress,omitempty"`
}

// StoreConfig controls the batch history database
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

const envPrefix = "PIGZD"

var (
	deviceIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	invalidDeviceChars  = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// Load reads the configuration file at path, applies PIGZD_* environment
// overrides and validates the result. An empty path uses defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	return Load(path)
}

// Default returns the configuration produced by defaults alone
func Default() (*Config, error) {
	return decode(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides resolve
// even when the file omits them
func setDefaults(v *viper.Viper) {
	v.SetDefault("device_id", defaultDeviceID())
	v.SetDefault("subject_prefix", "pigzd")

	v.SetDefault("compressor.backend", "pigz")
	v.SetDefault("compressor.binary", "pigz")
	v.SetDefault("compressor.format", "gzip")
	v.SetDefault("compressor.task_timeout", 30*time.Minute)

	v.SetDefault("strategy.base_threshold_mb", 100)
	v.SetDefault("strategy.memory_floor_mb", 2048)
	v.SetDefault("strategy.min_threshold_mb", 1)
	v.SetDefault("strategy.level_adjustment", 2)
	v.SetDefault("strategy.default_level", 6)

	v.SetDefault("probe.source", "builtin")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.auth.creds_file", "")
	v.SetDefault("nats.auth.token", "")
	v.SetDefault("nats.auth.username", "")
	v.SetDefault("nats.auth.password", "")
	v.SetDefault("nats.tls.enabled", false)
	v.SetDefault("nats.tls.insecure_skip_verify", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 30*time.Second)

	v.SetDefault("tasks.heartbeat.enabled", true)
	v.SetDefault("tasks.heartbeat.interval", 1*time.Minute)

	v.SetDefault("store.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	applyPlatformDefaults(v)
}

// defaultDeviceID derives a valid device id from the hostname
func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "pigzd"
	}
	return invalidDeviceChars.ReplaceAllString(host, "-")
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must contain only alphanumeric characters, dashes, and underscores")
	}

	if cfg.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return fmt.Errorf("invalid subject_prefix: %w", err)
	}

	if err := validateCompressor(&cfg.Compressor); err != nil {
		return err
	}
	if err := validateStrategy(&cfg.Strategy); err != nil {
		return err
	}

	switch cfg.Probe.Source {
	case "", "builtin":
	case "exporter":
		if cfg.Probe.ExporterURL == "" {
			return fmt.Errorf("probe.exporter_url is required when probe.source is exporter")
		}
	default:
		return fmt.Errorf("invalid probe source: %s (must be builtin or exporter)", cfg.Probe.Source)
	}

	if cfg.NATS.Enabled {
		if err := validateNATS(&cfg.NATS); err != nil {
			return err
		}
		if cfg.Tasks.Heartbeat.Enabled && cfg.Tasks.Heartbeat.Interval < 10*time.Second {
			return fmt.Errorf("heartbeat interval must be at least 10 seconds")
		}
	}

	for i, w := range cfg.Tasks.Watch {
		if w.Path == "" {
			return fmt.Errorf("tasks.watch[%d]: path is required", i)
		}
		if w.Interval < 30*time.Second {
			return fmt.Errorf("tasks.watch[%d]: interval must be at least 30 seconds", i)
		}
		if w.Level < 0 || w.Level > 9 {
			return fmt.Errorf("tasks.watch[%d]: level must be between 1 and 9", i)
		}
	}

	if cfg.Store.Enabled && cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required when the store is enabled")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	return nil
}

func validateCompressor(c *CompressorConfig) error {
	switch c.Backend {
	case "pigz":
		if c.Format != "" && c.Format != "gzip" {
			return fmt.Errorf("compressor.format must be gzip for the pigz backend")
		}
	case "builtin":
		switch c.Format {
		case "", "gzip", "zstd", "lz4", "brotli", "snappy":
		default:
			return fmt.Errorf("invalid compressor format: %s", c.Format)
		}
	default:
		return fmt.Errorf("invalid compressor backend: %s (must be pigz or builtin)", c.Backend)
	}

	if c.TaskTimeout < 0 {
		return fmt.Errorf("compressor.task_timeout must not be negative")
	}
	if c.TaskTimeout > 0 && c.TaskTimeout < 5*time.Second {
		return fmt.Errorf("compressor.task_timeout must be at least 5 seconds (or 0 to disable)")
	}
	return nil
}

func validateStrategy(s *StrategyConfig) error {
	if s.DefaultLevel < 1 || s.DefaultLevel > 9 {
		return fmt.Errorf("strategy.default_level must be between 1 and 9")
	}
	if s.LevelAdjustment < 0 || s.LevelAdjustment > 8 {
		return fmt.Errorf("strategy.level_adjustment must be between 0 and 8")
	}
	if s.BaseThresholdMB <= 0 {
		return fmt.Errorf("strategy.base_threshold_mb must be positive")
	}
	if s.MinThresholdMB <= 0 || s.MinThresholdMB > s.BaseThresholdMB {
		return fmt.Errorf("strategy.min_threshold_mb must be positive and not exceed base_threshold_mb")
	}
	return nil
}

func validateNATS(n *NATSConfig) error {
	if len(n.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}

	switch n.Auth.Type {
	case "none":
	case "token":
		if n.Auth.Token == "" {
			return fmt.Errorf("token is required for token auth")
		}
	case "userpass":
		if n.Auth.Username == "" || n.Auth.Password == "" {
			return fmt.Errorf("username and password are required for userpass auth")
		}
	case "creds":
		if n.Auth.CredsFile == "" {
			return fmt.Errorf("creds_file is required for creds auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s", n.Auth.Type)
	}

	if n.TLS.Enabled {
		if n.TLS.CertFile != "" && n.TLS.KeyFile == "" {
			return fmt.Errorf("key_file is required when cert_file is set")
		}
		if n.TLS.KeyFile != "" && n.TLS.CertFile == "" {
			return fmt.Errorf("cert_file is required when key_file is set")
		}
		if n.TLS.CertFile != "" {
			if _, err := os.Stat(n.TLS.CertFile); err != nil {
				return fmt.Errorf("certificate file not found: %s", n.TLS.CertFile)
			}
			if _, err := os.Stat(n.TLS.KeyFile); err != nil {
				return fmt.Errorf("key file not found: %s", n.TLS.KeyFile)
			}
		}
		if n.TLS.CAFile != "" {
			if _, err := os.Stat(n.TLS.CAFile); err != nil {
				return fmt.Errorf("CA file not found: %s", n.TLS.CAFile)
			}
		}
	}

	if n.DrainTimeout <= 0 {
		return fmt.Errorf("nats.drain_timeout must be positive")
	}
	return nil
}

// validateSubjectPrefix checks a dot-separated NATS subject prefix
func validateSubjectPrefix(prefix string) error {
	if len(prefix) > 50 {
		return fmt.Errorf("must not exceed 50 characters")
	}
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("cannot start or end with a dot")
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("consecutive dots not allowed")
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectTokenPattern.MatchString(token) {
			return fmt.Errorf("token %q contains invalid characters", token)
		}
	}
	return nil
}
