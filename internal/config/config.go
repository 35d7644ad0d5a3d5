// Package config loads the daemon and CLI configuration: a YAML file layered
// over defaults, then ACCESSGATE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"accessgate.org/internal/audit"
	"accessgate.org/internal/codes"
	"accessgate.org/internal/ratelimit"
	"accessgate.org/internal/risk"
	"accessgate.org/internal/secret"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ACCESSGATE"

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Store    StoreConfig    `yaml:"store"`
	Secret   SecretConfig   `yaml:"secret"`
	Grant    GrantConfig    `yaml:"grant"`
	Schedule ScheduleConfig `yaml:"schedule"`

	Codes     codes.Config     `yaml:"codes"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Audit     audit.Config     `yaml:"audit"`
	Risk      risk.Config      `yaml:"risk"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Addr of the ops listener serving /metrics and health probes. Empty
	// disables it.
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Shards int    `yaml:"shards"`
}

type SecretConfig struct {
	// MasterKey is hex encoded. Lookup signatures and sealed metadata depend
	// on it, so a persistent store needs a fixed key.
	MasterKey string `yaml:"master_key"`
}

type GrantConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	Issuer  string        `yaml:"issuer"`
}

// ScheduleConfig holds background task intervals. Zero disables a task.
type ScheduleConfig struct {
	Sweep          time.Duration `yaml:"sweep"`
	Maintenance    time.Duration `yaml:"maintenance"`
	AuditFlush     time.Duration `yaml:"audit_flush"`
	AuditRetention time.Duration `yaml:"audit_retention"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Store:   StoreConfig{Driver: DriverMemory, Shards: 16},
		Grant: GrantConfig{
			TTL:    5 * time.Minute,
			Issuer: "accessgate",
		},
		Schedule: ScheduleConfig{
			Sweep:          5 * time.Minute,
			Maintenance:    time.Minute,
			AuditFlush:     10 * time.Second,
			AuditRetention: 24 * time.Hour,
			TaskTimeout:    2 * time.Minute,
		},
		Codes:     codes.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Audit:     audit.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + "_" + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v, ok := get("STORE_DRIVER"); ok {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := get("PG_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := get("MASTER_KEY"); ok {
		c.Secret.MasterKey = v
	}
	if v, ok := get("AUDIT_DIR"); ok {
		c.Audit.Dir = v
	}
	if v, ok := get("GRANT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s_GRANT_ENABLED: %w", EnvPrefix, err)
		}
		c.Grant.Enabled = b
	}
	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"GRANT_TTL", &c.Grant.TTL},
		{"SWEEP_INTERVAL", &c.Schedule.Sweep},
		{"MAINTENANCE_INTERVAL", &c.Schedule.Maintenance},
	}
	for _, d := range durations {
		v, ok := get(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s_%s: %w", EnvPrefix, d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks the wiring sections and each component section.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
		if c.Store.Shards <= 0 {
			return errors.New("config: store.shards must be positive")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("config: store.dsn is required for the postgres driver")
		}
		if c.Secret.MasterKey == "" {
			return errors.New("config: secret.master_key is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Secret.MasterKey != "" {
		if _, err := secret.ParseMasterKey(c.Secret.MasterKey); err != nil {
			return fmt.Errorf("config: secret.master_key: %w", err)
		}
	}
	if c.Grant.Enabled && c.Grant.TTL <= 0 {
		return errors.New("config: grant.ttl must be positive when grants are enabled")
	}
	s := c.Schedule
	if s.Sweep < 0 || s.Maintenance < 0 || s.AuditFlush < 0 || s.AuditRetention < 0 || s.TaskTimeout < 0 {
		return errors.New("config: schedule intervals cannot be negative")
	}
	if err := c.Codes.Validate(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	return c.Risk.Validate()
}
