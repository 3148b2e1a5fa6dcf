package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 15*time.Minute, cfg.Codes.TTL.Duration)
	assert.Equal(t, 8, cfg.Codes.Length)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1_000_000.0, cfg.Ledger.MaxSpend)
	assert.False(t, cfg.InMemory())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "loyalty.yaml", `
service: loyalty-test
listen: ":9090"
database: memory
log:
  level: debug
  format: text
codes:
  ttl: 10m
  length: 10
ledger:
  max_spend: 25000.50
rate_limit:
  requests_per_minute: 30
  burst: 5
reconciliation:
  inbox: /tmp/inbox
  interval: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "loyalty-test", cfg.Service)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10*time.Minute, cfg.Codes.TTL.Duration)
	assert.Equal(t, 10, cfg.Codes.Length)
	assert.Equal(t, 25000.50, cfg.Ledger.MaxSpend)
	assert.Equal(t, 30.0, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 30*time.Second, cfg.Reconciliation.Interval.Duration)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "loyalty.toml", `
listen = ":7070"
database = "./x.db"

[codes]
ttl = "20m"

[cors]
allowed_origins = ["https://pos.example.com"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 20*time.Minute, cfg.Codes.TTL.Duration)
	assert.Equal(t, []string{"https://pos.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 8, cfg.Codes.Length, "default still applied")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "loyalty.yaml", "listen: \":9090\"\n")
	t.Setenv("LOYALTY_LISTEN", ":6060")
	t.Setenv("LOYALTY_DB", "memory")
	t.Setenv("LOYALTY_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.Listen)
	assert.True(t, cfg.InMemory())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contents string
	}{
		{"bad duration", "a.yaml", "codes:\n  ttl: soon\n"},
		{"short ttl", "b.yaml", "codes:\n  ttl: 10s\n"},
		{"code too short", "c.yaml", "codes:\n  length: 4\n"},
		{"unknown level", "d.yaml", "log:\n  level: loud\n"},
		{"unknown format", "e.yaml", "log:\n  format: xml\n"},
		{"unsupported extension", "f.json", "{}"},
		{"negative max spend", "g.yaml", "ledger:\n  max_spend: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.contents))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
