// Package config loads the service's YAML configuration file: a custom
// Duration type that accepts either a bare integer (seconds) or a Go
// duration string, *bool tri-state flags for optional feature toggles, and
// a flat Load/validate pair.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals from either a YAML integer (seconds) or a duration
// string ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Cache     CacheConfig     `yaml:"cache"`
	Admission AdmissionConfig `yaml:"admission"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Warmup    WarmupConfig    `yaml:"warmup"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the listeners accepting client queries.
type ServerConfig struct {
	Listen       string   `yaml:"listen"`
	Protocols    []string `yaml:"protocols"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// UpstreamConfig selects exactly one upstream transport (a
// resolver dispatches to one configured upstream path, never several with
// automatic fallback).
type UpstreamConfig struct {
	Transport string        `yaml:"transport"` // "udp", "tcp", or "relay"
	Address   string        `yaml:"address"`   // udp/tcp upstream "host:port"
	Timeout   Duration      `yaml:"timeout"`
	TCP       TCPConfig     `yaml:"tcp"`
	Relay     RelayConfig   `yaml:"relay"`
}

// TCPConfig tunes the TCP upstream's connection pool.
type TCPConfig struct {
	IdleTimeout         Duration `yaml:"idle_timeout"`
	ValidateBeforeReuse *bool    `yaml:"validate_before_reuse"`
}

// RelayConfig configures the HTTPS JSON batch upstream.
type RelayConfig struct {
	BaseURL             string  `yaml:"base_url"`
	APIVersion          int     `yaml:"api_version"`
	BearerToken         string  `yaml:"bearer_token"`
	StartupCheck        string  `yaml:"startup_check"` // "require", "warn", "off"
	RatePerSecond       float64 `yaml:"rate_per_second"`
	RateBurst           int     `yaml:"rate_burst"`
	MaxItems            int     `yaml:"max_items"`
	MaxRequestBytes     int     `yaml:"max_request_bytes"`
	MaxResponseBytes    int     `yaml:"max_response_bytes"`
	PerItemMaxWireBytes int     `yaml:"per_item_max_wire_bytes"`
	UseGzip             *bool   `yaml:"use_gzip"`
}

// CacheConfig bounds the in-memory DNS reply cache.
type CacheConfig struct {
	MaxEntries    int      `yaml:"max_entries"`
	MinTTL        Duration `yaml:"min_ttl"`
	MaxTTL        Duration `yaml:"max_ttl"`
	NegativeTTL   Duration `yaml:"negative_ttl"`
	ServeStaleMax Duration `yaml:"serve_stale_max"`
}

// AdmissionConfig bounds concurrent in-flight upstream calls.
type AdmissionConfig struct {
	MaxInflight int `yaml:"max_inflight"`
}

// RefreshConfig configures the background stale-while-revalidate scheduler.
type RefreshConfig struct {
	Enabled             *bool    `yaml:"enabled"`
	SweepInterval       Duration `yaml:"sweep_interval"`
	RefreshAhead        Duration `yaml:"refresh_ahead"`
	PopularityThreshold int      `yaml:"popularity_threshold"`
	PopularityDecay     Duration `yaml:"popularity_decay"` // 0 disables the decay check
	QueueMax            int      `yaml:"queue_max"`
	Concurrency         int      `yaml:"concurrency"`
}

// WarmupConfig configures the startup cache-warming loader.
type WarmupConfig struct {
	File  string `yaml:"file"`
	Limit int    `yaml:"limit"`
}

// ControlConfig configures the HTTP control/metrics server.
type ControlConfig struct {
	Enabled             *bool    `yaml:"enabled"`
	Listen              string   `yaml:"listen"`
	Token               string   `yaml:"token"` // bcrypt hash of the bearer token, empty disables auth
	ClearRateLimitPerMin float64 `yaml:"clear_rate_limit_per_minute"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}

// Load reads and parses the YAML file at path, applying defaults and
// validating the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Server.Protocols) == 0 {
		cfg.Server.Protocols = []string{"udp", "tcp"}
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "0.0.0.0:53"
	}
	if cfg.Upstream.Timeout.Duration <= 0 {
		cfg.Upstream.Timeout.Duration = 2 * time.Second
	}
	if cfg.Upstream.Transport == "" {
		cfg.Upstream.Transport = "udp"
	}
	if cfg.Upstream.Relay.APIVersion <= 0 {
		cfg.Upstream.Relay.APIVersion = 1
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Admission.MaxInflight <= 0 {
		cfg.Admission.MaxInflight = 256
	}
	if cfg.Refresh.QueueMax <= 0 {
		cfg.Refresh.QueueMax = 1000
	}
	if cfg.Refresh.Concurrency <= 0 {
		cfg.Refresh.Concurrency = 4
	}
	if cfg.Control.Listen == "" {
		cfg.Control.Listen = "127.0.0.1:8080"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	if len(cfg.Server.Protocols) == 0 {
		return fmt.Errorf("server.protocols must not be empty")
	}
	for _, proto := range cfg.Server.Protocols {
		if proto != "udp" && proto != "tcp" {
			return fmt.Errorf("unsupported protocol %q", proto)
		}
	}
	switch strings.ToLower(cfg.Upstream.Transport) {
	case "udp", "tcp":
		if cfg.Upstream.Address == "" {
			return fmt.Errorf("upstream.address is required for transport %q", cfg.Upstream.Transport)
		}
	case "relay":
		if cfg.Upstream.Relay.BaseURL == "" {
			return fmt.Errorf("upstream.relay.base_url is required for transport \"relay\"")
		}
	default:
		return fmt.Errorf("unsupported upstream.transport %q", cfg.Upstream.Transport)
	}
	if cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	return nil
}

// BoolOr dereferences a *bool, returning def when b is nil.
func BoolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
