package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/surf-session-core/internal/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Profiles   ProfilesConfig   `json:"profiles" yaml:"profiles"`
	Proxies    ProxiesConfig    `json:"proxies" yaml:"proxies"`
	Checker    CheckerConfig    `json:"checker" yaml:"checker"`
	Rotation   RotationConfig   `json:"rotation" yaml:"rotation"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Aggregator AggregatorConfig `json:"aggregator" yaml:"aggregator"`
	API        APIConfig        `json:"api" yaml:"api"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

type ProfilesConfig struct {
	Dir           string `json:"dir" yaml:"dir"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
}

type ProxiesConfig struct {
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

type StorageConfig struct {
	Type string `json:"type" yaml:"type"` // "file", "sqlite", "redis"
	Path string `json:"path" yaml:"path"` // file/sqlite path or redis address
	Key  string `json:"key" yaml:"key"`   // redis key
}

type CheckerConfig struct {
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
	Mode      string `json:"mode" yaml:"mode"` // "connect-only" or "full-http"
	TestURL   string `json:"test_url" yaml:"test_url"`
}

type RotationConfig struct {
	types.RotationConfig `yaml:",inline"`
	Country              string `json:"country" yaml:"country"`
	City                 string `json:"city" yaml:"city"`
}

type EngineConfig struct {
	Browser          string   `json:"browser" yaml:"browser"` // chromium, firefox, webkit
	Headless         bool     `json:"headless" yaml:"headless"`
	SlowMoMs         float64  `json:"slow_mo_ms" yaml:"slow_mo_ms"`
	Args             []string `json:"args" yaml:"args"`
	DefaultTimeoutMs float64  `json:"default_timeout_ms" yaml:"default_timeout_ms"`
	InstallBrowsers  bool     `json:"install_browsers" yaml:"install_browsers"`
}

type AggregatorConfig struct {
	Enabled              bool     `json:"enabled" yaml:"enabled"`
	IntervalSeconds      int      `json:"interval_seconds" yaml:"interval_seconds"`
	Sources              []Source `json:"sources" yaml:"sources"`
	UserAgent            string   `json:"user_agent" yaml:"user_agent"`
	Prefilter            bool     `json:"prefilter" yaml:"prefilter"` // TCP connect check before registering
	PrefilterTimeoutMs   int      `json:"prefilter_timeout_ms" yaml:"prefilter_timeout_ms"`
	PrefilterConcurrency int      `json:"prefilter_concurrency" yaml:"prefilter_concurrency"`
}

type Source struct {
	URL         string `json:"url" yaml:"url"`
	Protocol    string `json:"protocol" yaml:"protocol"` // "http", "socks4", "socks5" or "auto"
	Country     string `json:"country" yaml:"country"`
	Provider    string `json:"provider" yaml:"provider"`
	Residential bool   `json:"residential" yaml:"residential"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

type APIConfig struct {
	Addr               string `json:"addr" yaml:"addr"`
	APIKeyEnv          string `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Load reads configuration from a JSON or YAML file
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".surf-session")

	if c.Profiles.Dir == "" {
		c.Profiles.Dir = filepath.Join(dataDir, "profiles")
	}
	if c.Profiles.RetentionDays == 0 {
		c.Profiles.RetentionDays = 30
	}
	if c.Proxies.Storage.Type == "" {
		c.Proxies.Storage.Type = "file"
	}
	if c.Proxies.Storage.Path == "" {
		c.Proxies.Storage.Path = filepath.Join(dataDir, "proxies", "proxies.json")
	}
	if c.Proxies.Storage.Key == "" {
		c.Proxies.Storage.Key = "surfsession:proxies"
	}
	if c.Checker.TimeoutMs == 0 {
		c.Checker.TimeoutMs = 15000
	}
	if c.Checker.Mode == "" {
		c.Checker.Mode = "full-http"
	}
	if c.Checker.TestURL == "" {
		c.Checker.TestURL = "https://www.google.com/generate_204"
	}
	if c.Rotation.Strategy == "" {
		c.Rotation.Strategy = types.StrategyRoundRobin
	}
	if c.Rotation.Interval == 0 {
		c.Rotation.Interval = 300
	}
	if c.Engine.Browser == "" {
		c.Engine.Browser = "chromium"
	}
	if c.Engine.DefaultTimeoutMs == 0 {
		c.Engine.DefaultTimeoutMs = 30000
	}
	if c.Aggregator.IntervalSeconds == 0 {
		c.Aggregator.IntervalSeconds = 3600
	}
	if c.Aggregator.PrefilterTimeoutMs == 0 {
		c.Aggregator.PrefilterTimeoutMs = 3000
	}
	if c.Aggregator.PrefilterConcurrency == 0 {
		c.Aggregator.PrefilterConcurrency = 200
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "surfsession"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Checker.TimeoutMs < 100 || c.Checker.TimeoutMs > 300000 {
		return fmt.Errorf("timeout_ms must be between 100 and 300000")
	}
	if c.Checker.Mode != "connect-only" && c.Checker.Mode != "full-http" {
		return fmt.Errorf("mode must be 'connect-only' or 'full-http'")
	}
	if c.Proxies.Storage.Type != "file" && c.Proxies.Storage.Type != "sqlite" && c.Proxies.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	switch c.Rotation.Strategy {
	case types.StrategyRandom, types.StrategyRoundRobin, types.StrategyLeastUsed,
		types.StrategyFastest, types.StrategyGeoBased:
	default:
		return fmt.Errorf("unknown rotation strategy %q", c.Rotation.Strategy)
	}
	if c.Rotation.Interval < 0 {
		return fmt.Errorf("rotation interval must not be negative")
	}
	switch c.Engine.Browser {
	case "chromium", "firefox", "webkit":
	default:
		return fmt.Errorf("browser must be 'chromium', 'firefox', or 'webkit'")
	}
	if c.Aggregator.Enabled && c.Aggregator.IntervalSeconds < 60 {
		return fmt.Errorf("aggregator interval_seconds must be at least 60")
	}
	if c.Profiles.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	return nil
}

// GeoFilter returns the configured default geo filter
func (c *Config) GeoFilter() types.GeoFilter {
	return types.GeoFilter{Country: c.Rotation.Country, City: c.Rotation.City}
}
