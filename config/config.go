// Package config holds the TOML configuration of the sieve daemon and tools.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/allgood/pigeonhole/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // "stderr", "stdout", "syslog" or a file path
	Format    string `toml:"format"`     // "json" or "console"
	Level     string `toml:"level"`      // "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag for syslog output (default "sieved")
}

// SieveVacationConfig bounds the response period of the vacation extension.
// A max_period of "0" or "" means unlimited.
type SieveVacationConfig struct {
	DefaultPeriod string `toml:"default_period"`
	MinPeriod     string `toml:"min_period"`
	MaxPeriod     string `toml:"max_period"`
}

// SieveConfig configures compilation and execution of Sieve scripts.
type SieveConfig struct {
	// EnabledExtensions limits what scripts may require. Empty enables all
	// built-in extensions.
	EnabledExtensions []string            `toml:"enabled_extensions"`
	MaxScriptSize     string              `toml:"max_script_size"`    // e.g. "64kb"
	ExecutionTimeout  string              `toml:"execution_timeout"`  // Per evaluation deadline
	ProgramCacheSize  int                 `toml:"program_cache_size"` // Compiled programs kept in memory
	ProgramCacheTTL   string              `toml:"program_cache_ttl"`
	Vacation          SieveVacationConfig `toml:"vacation"`
	Variables         map[string]string   `toml:"variables"` // Globals visible as ${name}
}

// GetMaxScriptSize parses the maximum accepted script size
func (s *SieveConfig) GetMaxScriptSize() (int64, error) {
	if s.MaxScriptSize == "" {
		return 64 * 1024, nil
	}
	return helpers.ParseSize(s.MaxScriptSize)
}

// GetExecutionTimeout parses the evaluation deadline
func (s *SieveConfig) GetExecutionTimeout() (time.Duration, error) {
	if s.ExecutionTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(s.ExecutionTimeout)
}

// GetProgramCacheSize returns the memory cache capacity with default
func (s *SieveConfig) GetProgramCacheSize() int {
	if s.ProgramCacheSize <= 0 {
		return 1000
	}
	return s.ProgramCacheSize
}

// GetProgramCacheTTL parses the memory cache entry lifetime
func (s *SieveConfig) GetProgramCacheTTL() (time.Duration, error) {
	if s.ProgramCacheTTL == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(s.ProgramCacheTTL)
}

// GetPeriods parses the vacation periods as (default, min, max).
func (v *SieveVacationConfig) GetPeriods() (time.Duration, time.Duration, time.Duration, error) {
	parse := func(s string, def time.Duration) (time.Duration, error) {
		if s == "" {
			return def, nil
		}
		if s == "0" {
			return 0, nil
		}
		return helpers.ParseDuration(s)
	}
	def, err := parse(v.DefaultPeriod, 7*24*time.Hour)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("vacation default_period: %w", err)
	}
	lo, err := parse(v.MinPeriod, 24*time.Hour)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("vacation min_period: %w", err)
	}
	hi, err := parse(v.MaxPeriod, 0)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("vacation max_period: %w", err)
	}
	return def, lo, hi, nil
}

// LocalCacheConfig configures the on-disk cache of compiled programs.
type LocalCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	PurgeInterval string `toml:"purge_interval"`
}

// GetCapacity parses the cache capacity size
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return 256 << 20, nil
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the max object size
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return 1 << 20, nil
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses the purge interval duration
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 12 * time.Hour, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// S3Config holds S3 configuration for the shared program tier.
type S3Config struct {
	Enabled    bool   `toml:"enabled"`
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Trace S3 requests
	// EncryptionKey is a hex encoded 32 byte key. When set, programs are
	// encrypted client-side with AES-256-GCM before upload.
	EncryptionKey string `toml:"encryption_key"`
}

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            int      `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write
// endpoints. A nil Read endpoint reuses the write pool.
type DatabaseConfig struct {
	Enabled          bool                    `toml:"enabled"`
	Debug            bool                    `toml:"debug"`
	AutoMigrate      bool                    `toml:"auto_migrate"`
	QueryTimeout     string                  `toml:"query_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"`
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
	MaxBodySize  string   `toml:"max_body_size"`
}

// GetMaxBodySize parses the request body limit
func (h *HTTPAPIConfig) GetMaxBodySize() (int64, error) {
	if h.MaxBodySize == "" {
		return 25 << 20, nil
	}
	return helpers.ParseSize(h.MaxBodySize)
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Sieve      SieveConfig      `toml:"sieve"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	S3         S3Config         `toml:"s3"`
	Database   DatabaseConfig   `toml:"database"`
	Relay      RelayConfig      `toml:"relay"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Sieve: SieveConfig{
			MaxScriptSize:    "64kb",
			ExecutionTimeout: "5s",
			ProgramCacheSize: 1000,
			ProgramCacheTTL:  "1h",
			Vacation: SieveVacationConfig{
				DefaultPeriod: "7d",
				MinPeriod:     "1d",
				MaxPeriod:     "0",
			},
		},
		LocalCache: LocalCacheConfig{
			Path:          "/var/cache/sieved",
			Capacity:      "256mb",
			MaxObjectSize: "1mb",
			PurgeInterval: "12h",
		},
		Database: DatabaseConfig{
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            5432,
				User:            "postgres",
				Name:            "sieve",
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Relay: RelayConfig{
			SMTPTLSVerify: true,
			Timeout:       "30s",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr:        ":8080",
			MaxBodySize: "25mb",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Sieve.GetMaxScriptSize(); err != nil {
		errs = append(errs, fmt.Errorf("sieve.max_script_size: %w", err))
	}
	if _, err := c.Sieve.GetExecutionTimeout(); err != nil {
		errs = append(errs, fmt.Errorf("sieve.execution_timeout: %w", err))
	}
	if _, err := c.Sieve.GetProgramCacheTTL(); err != nil {
		errs = append(errs, fmt.Errorf("sieve.program_cache_ttl: %w", err))
	}
	if _, lo, hi, err := c.Sieve.Vacation.GetPeriods(); err != nil {
		errs = append(errs, fmt.Errorf("sieve.%w", err))
	} else if hi > 0 && lo > hi {
		errs = append(errs, fmt.Errorf("sieve.vacation: min_period %s exceeds max_period %s", lo, hi))
	}
	if c.S3.Enabled && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		errs = append(errs, errors.New("s3: endpoint and bucket are required"))
	}
	if c.Database.Enabled && (c.Database.Write == nil || len(c.Database.Write.Hosts) == 0) {
		errs = append(errs, errors.New("database.write: at least one host is required"))
	}
	if c.Relay.IsConfigured() && !c.Relay.IsSMTP() {
		errs = append(errs, fmt.Errorf("relay.type: unsupported relay type %q", c.Relay.Type))
	}
	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		errs = append(errs, errors.New("http_api: api_key is required"))
	}
	return errors.Join(errs...)
}

// LoadConfigFromFile decodes a TOML file over cfg. Unknown keys are reported
// as warnings and otherwise ignored, so a typo does not stop the daemon.
// String values are trimmed.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	md, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}
	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section", err)
	case strings.Contains(msg, `expected value but found "f"`), strings.Contains(msg, `expected value but found "t"`):
		return fmt.Errorf("%w\n\nHINT: TOML booleans are written true or false", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from string fields.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String {
			return
		}
		for _, k := range v.MapKeys() {
			v.SetMapIndex(k, reflect.ValueOf(strings.TrimSpace(v.MapIndex(k).String())).Convert(v.Type().Elem()))
		}
	}
}
