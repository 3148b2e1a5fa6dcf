/*
config.go - Runtime configuration for the loyalty server

PURPOSE:
  Loads server settings from a YAML or TOML file (chosen by extension),
  fills in defaults, applies environment overrides and validates the result
  in one place.

PRECEDENCE (lowest to highest):
  1. Defaults (applyDefaults)
  2. Config file (-config)
  3. Environment (LOYALTY_LISTEN, LOYALTY_DB, LOYALTY_LOG_LEVEL)
  4. Command-line flags (-port, -db), applied by cmd/server

EXAMPLE (loyalty.yaml):
  service: loyalty-engine
  env: dev
  listen: ":8080"
  database: ./data/loyalty.db
  log:
    level: info
    format: json
  codes:
    ttl: 15m
    length: 8
  ledger:
    max_spend: 1000000
  rate_limit:
    requests_per_minute: 120
    burst: 20
  reconciliation:
    inbox: ./data/settlements
    interval: 5m
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MemoryDatabase selects the in-memory store instead of SQLite.
const MemoryDatabase = "memory"

// Duration wraps time.Duration so files can say "15m" instead of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the server.
type Config struct {
	Service        string               `yaml:"service" toml:"service"`
	Env            string               `yaml:"env" toml:"env"`
	Listen         string               `yaml:"listen" toml:"listen"`
	Database       string               `yaml:"database" toml:"database"`
	Log            LogConfig            `yaml:"log" toml:"log"`
	Codes          CodeConfig           `yaml:"codes" toml:"codes"`
	Ledger         LedgerConfig         `yaml:"ledger" toml:"ledger"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" toml:"rate_limit"`
	CORS           CORSConfig           `yaml:"cors" toml:"cors"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation" toml:"reconciliation"`
}

// LogConfig controls log level, format and optional rotated file output.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"` // json or text
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// CodeConfig configures presentation codes.
type CodeConfig struct {
	TTL    Duration `yaml:"ttl" toml:"ttl"`
	Length int      `yaml:"length" toml:"length"`
}

// LedgerConfig bounds what a single transaction may report.
type LedgerConfig struct {
	MaxSpend float64 `yaml:"max_spend" toml:"max_spend"`
}

// RateLimitConfig bounds presentation and redemption calls per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ReconciliationConfig enables the settlement inbox. Empty Inbox disables it.
type ReconciliationConfig struct {
	Inbox    string   `yaml:"inbox" toml:"inbox"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// Load reads configuration from path. An empty path yields defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(contents, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(contents), cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .yaml or .toml)", filepath.Ext(path))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "loyalty-engine"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Database == "" {
		cfg.Database = "./data/loyalty.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
	if cfg.Codes.TTL.Duration == 0 {
		cfg.Codes.TTL.Duration = 15 * time.Minute
	}
	if cfg.Codes.Length == 0 {
		cfg.Codes.Length = 8
	}
	if cfg.Ledger.MaxSpend == 0 {
		cfg.Ledger.MaxSpend = 1_000_000
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if cfg.Reconciliation.Interval.Duration == 0 {
		cfg.Reconciliation.Interval.Duration = 5 * time.Minute
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("LOYALTY_LISTEN"); ok && strings.TrimSpace(v) != "" {
		cfg.Listen = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("LOYALTY_DB"); ok && strings.TrimSpace(v) != "" {
		cfg.Database = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("LOYALTY_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		cfg.Log.Level = strings.TrimSpace(v)
	}
}

// Validate checks the configuration after defaults and overrides.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address must be configured")
	}
	if strings.TrimSpace(c.Database) == "" {
		return fmt.Errorf("database must be configured")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log format %q must be json or text", c.Log.Format)
	}
	if c.Codes.TTL.Duration < time.Minute {
		return fmt.Errorf("codes.ttl must be at least 1m, got %s", c.Codes.TTL.Duration)
	}
	if c.Codes.Length < 6 || c.Codes.Length > 16 {
		return fmt.Errorf("codes.length must be between 6 and 16, got %d", c.Codes.Length)
	}
	if c.Ledger.MaxSpend <= 0 {
		return fmt.Errorf("ledger.max_spend must be positive, got %v", c.Ledger.MaxSpend)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Reconciliation.Inbox != "" && c.Reconciliation.Interval.Duration < time.Second {
		return fmt.Errorf("reconciliation.interval must be at least 1s")
	}
	return nil
}

// InMemory reports whether the in-memory store was selected.
func (c Config) InMemory() bool {
	return strings.EqualFold(c.Database, MemoryDatabase)
}
