package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sieved.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	size, err := cfg.Sieve.GetMaxScriptSize()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), size)

	def, lo, hi, err := cfg.Sieve.Vacation.GetPeriods()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, def)
	assert.Equal(t, 24*time.Hour, lo)
	assert.Zero(t, hi)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = " debug "

[sieve]
enabled_extensions = ["fileinto", "vacation"]
max_script_size = "128kb"
program_cache_ttl = "10m"

[sieve.vacation]
min_period = "2d"
max_period = "30d"

[sieve.variables]
company = " Example Inc "

[relay]
type = "smtp"
smtp_host = "relay.example.com:587"

[http_api]
start = true
api_key = "secret"

# unknown keys only warn
[sieve.unused]
foo = 1
`)
	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"fileinto", "vacation"}, cfg.Sieve.EnabledExtensions)
	assert.Equal(t, "Example Inc", cfg.Sieve.Variables["company"])

	size, err := cfg.Sieve.GetMaxScriptSize()
	require.NoError(t, err)
	assert.Equal(t, int64(128*1024), size)

	ttl, err := cfg.Sieve.GetProgramCacheTTL()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	def, lo, hi, err := cfg.Sieve.Vacation.GetPeriods()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, def)
	assert.Equal(t, 48*time.Hour, lo)
	assert.Equal(t, 30*24*time.Hour, hi)

	assert.True(t, cfg.Relay.IsSMTP())
	assert.Equal(t, "30s", cfg.Relay.Timeout)
}

func TestLoadConfigFromFileSyntaxError(t *testing.T) {
	path := writeConfig(t, "[logging]\nlevel = \"info\"\nlevel = \"debug\"\n")
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad script size", func(c *Config) { c.Sieve.MaxScriptSize = "huge" }, "sieve.max_script_size"},
		{"inverted periods", func(c *Config) { c.Sieve.Vacation.MinPeriod = "10d"; c.Sieve.Vacation.MaxPeriod = "1d" }, "exceeds max_period"},
		{"s3 without bucket", func(c *Config) { c.S3.Enabled = true; c.S3.Endpoint = "s3.local" }, "endpoint and bucket"},
		{"unknown relay", func(c *Config) { c.Relay.Type = "http" }, "unsupported relay type"},
		{"api without key", func(c *Config) { c.HTTPAPI.Start = true }, "api_key is required"},
		{"db without host", func(c *Config) { c.Database.Enabled = true; c.Database.Write.Hosts = nil }, "at least one host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
