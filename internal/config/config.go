// Package config handles configuration loading from YAML files, environment
// variables and command-line flags.
// Precedence: flags > environment variables > config file > defaults.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that supports YAML unmarshaling
// from human-readable strings like "15s", "1m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
}

// MarshalYAML implements the yaml.Marshaler interface for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds all exporter configuration.
type Config struct {
	Panel   PanelConfig   `yaml:"panel"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// PanelConfig holds the control panel account and scrape tuning.
type PanelConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	RequestTimeout   Duration `yaml:"request_timeout"`
	ScrapeTimeout    Duration `yaml:"scrape_timeout"`
	StatsConcurrency int      `yaml:"stats_concurrency"`
}

// ServerConfig holds the metrics endpoint settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`
	MetricsPath   string `yaml:"metrics_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Addr returns the host:port the metrics server binds to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.ListenAddress, strconv.Itoa(s.Port))
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Panel: PanelConfig{
			URL:              "https://nerdvm.racknerd.com",
			RequestTimeout:   Duration{15 * time.Second},
			ScrapeTimeout:    Duration{60 * time.Second},
			StatsConcurrency: 1,
		},
		Server: ServerConfig{
			ListenAddress: "0.0.0.0",
			Port:          9100,
			MetricsPath:   "/metrics",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromBytes parses YAML configuration from a byte slice and merges with defaults.
// Environment variables override values from the byte slice.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config data: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// CLIOverrides holds values from command-line flags.
// Zero values are treated as "not set" and skipped.
type CLIOverrides struct {
	URL           string
	Username      string
	Password      string
	ListenAddress string
	Port          int
	LogLevel      string
}

// Locate searches standard config file paths and returns the first one found.
// Returns empty string if no config file exists.
func Locate() string {
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadLayered loads configuration with the full precedence chain:
// CLI flags > env vars > YAML file > defaults.
//
// An optional configPath argument controls file discovery:
//   - omitted        → auto-discover via Locate()
//   - explicit value  → use that path ("" means no file)
//
// An explicitly named file that does not exist is an error; a discovered
// one is only read if present.
func LoadLayered(cli CLIOverrides, configPath ...string) (*Config, error) {
	var filePath string
	explicit := len(configPath) > 0
	if explicit {
		filePath = configPath[0]
	} else {
		filePath = Locate()
	}

	var data []byte
	if filePath != "" {
		var err error
		data, err = os.ReadFile(filePath)
		if err != nil && (explicit || !os.IsNotExist(err)) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filePath, err)
	}

	if cli.URL != "" {
		cfg.Panel.URL = cli.URL
	}
	if cli.Username != "" {
		cfg.Panel.Username = cli.Username
	}
	if cli.Password != "" {
		cfg.Panel.Password = cli.Password
	}
	if cli.ListenAddress != "" {
		cfg.Server.ListenAddress = cli.ListenAddress
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	return cfg, nil
}

// WriteConfig serializes the config to a YAML file at the given path.
// Creates parent directories if needed. The file holds the panel password,
// so it is only readable by its owner.
func WriteConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RACKNERD_URL"); v != "" {
		cfg.Panel.URL = v
	}
	if v := os.Getenv("RACKNERD_USERNAME"); v != "" {
		cfg.Panel.Username = v
	}
	if v := os.Getenv("RACKNERD_PASSWORD"); v != "" {
		cfg.Panel.Password = v
	}
	if v := os.Getenv("RACKNERD_LISTEN_ADDRESS"); v != "" {
		cfg.Server.ListenAddress = v
	}
	if v := os.Getenv("RACKNERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that the configuration can start the exporter.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Panel.URL)
	if c.Panel.URL == "" || err != nil {
		return fmt.Errorf("panel URL is required")
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("panel URL must be an http(s) URL (got: %s)", c.Panel.URL)
	}
	if c.Panel.Username == "" {
		return fmt.Errorf("panel username is required")
	}
	if c.Panel.Password == "" {
		return fmt.Errorf("panel password is required")
	}
	if c.Panel.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.Panel.ScrapeTimeout.Duration <= 0 {
		return fmt.Errorf("scrape_timeout must be positive")
	}
	if c.Panel.StatsConcurrency < 1 {
		return fmt.Errorf("stats_concurrency must be at least 1 (got: %d)", c.Panel.StatsConcurrency)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535 (got: %d)", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.MetricsPath, "/") || c.Server.MetricsPath == "/" || c.Server.MetricsPath == "/healthz" {
		return fmt.Errorf("metrics_path must start with / and not shadow / or /healthz (got: %s)", c.Server.MetricsPath)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
