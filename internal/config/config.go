package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. PROGENYCAL_LISTEN.
const EnvPrefix = "PROGENYCAL"

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string `yaml:"driver" json:"driver" envconfig:"DRIVER"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" json:"dsn" envconfig:"DSN"`
}

// ReminderConfig tunes the background reminder sweep.
type ReminderConfig struct {
	// Cron is a cron-style schedule for the sweep (e.g. "* * * * *").
	Cron string `yaml:"cron" json:"cron" envconfig:"CRON"`
	// SweepTimeout bounds a single sweep.
	SweepTimeout time.Duration `yaml:"sweep_timeout" json:"sweep_timeout" envconfig:"SWEEP_TIMEOUT"`
	// CatchUp is how far in the past a missed trigger may still fire.
	CatchUp time.Duration `yaml:"catch_up" json:"catch_up" envconfig:"CATCH_UP"`
	// Cooldown is the minimum time between two sends of one reminder.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown" envconfig:"COOLDOWN"`
}

// SMTPConfig configures email delivery. Empty Host disables email.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" json:"port" envconfig:"PORT"`
	Username string `yaml:"username" json:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" json:"password" envconfig:"PASSWORD"`
	From     string `yaml:"from" json:"from" envconfig:"FROM"`
}

// PushConfig configures the push gateway. Empty URL disables push.
type PushConfig struct {
	URL     string        `yaml:"url" json:"url" envconfig:"URL"`
	APIKey  string        `yaml:"api_key" json:"api_key" envconfig:"API_KEY"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" envconfig:"TIMEOUT"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" envconfig:"LISTEN"`

	// Timezone is the IANA timezone used when a user has none set.
	Timezone string `yaml:"timezone" json:"timezone" envconfig:"TIMEZONE"`

	// BaseURL prefixes links in emails and push messages.
	BaseURL string `yaml:"base_url" json:"base_url" envconfig:"BASE_URL"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level" envconfig:"LOG_LEVEL"`

	// EventsCacheTTL is how long an expanded events response is reused.
	EventsCacheTTL time.Duration `yaml:"events_cache_ttl" json:"events_cache_ttl" envconfig:"EVENTS_CACHE_TTL"`

	Database  DatabaseConfig   `yaml:"database" json:"database"`
	Reminders ReminderConfig   `yaml:"reminders" json:"reminders"`
	SMTP      SMTPConfig       `yaml:"smtp" json:"smtp"`
	Push      PushConfig       `yaml:"push" json:"push"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty" ignored:"true"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         "127.0.0.1:8080",
		Timezone:       "UTC",
		BaseURL:        "http://localhost:8080",
		LogLevel:       "info",
		EventsCacheTTL: 30 * time.Second,
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "/var/lib/progenycal/progenycal.db",
		},
		Reminders: ReminderConfig{
			Cron:         "* * * * *",
			SweepTimeout: 2 * time.Minute,
			CatchUp:      6 * time.Hour,
			Cooldown:     24 * time.Hour,
		},
		SMTP: SMTPConfig{Port: 587},
		Push: PushConfig{Timeout: 10 * time.Second},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		c.Timezone = def.Timezone
	}
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.EventsCacheTTL < 0 {
		c.EventsCacheTTL = 0
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		c.Database.Driver = def.Database.Driver
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = def.Database.DSN
	}

	if c.Reminders.Cron == "" {
		c.Reminders.Cron = def.Reminders.Cron
	}
	if c.Reminders.SweepTimeout <= 0 {
		c.Reminders.SweepTimeout = def.Reminders.SweepTimeout
	}
	if c.Reminders.CatchUp <= 0 {
		c.Reminders.CatchUp = def.Reminders.CatchUp
	}
	if c.Reminders.Cooldown <= 0 {
		c.Reminders.Cooldown = def.Reminders.Cooldown
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = def.SMTP.Port
	}
	if c.Push.Timeout <= 0 {
		c.Push.Timeout = def.Push.Timeout
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database dsn is empty")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return errors.New("smtp.from is required when smtp.host is set")
	}
	return nil
}

// Load loads configuration from the given YAML path, then applies
// PROGENYCAL_* environment overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config (with env overrides)
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - apply env overrides and normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			if err := applyEnv(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv overlays PROGENYCAL_* variables; unset variables leave the
// loaded values untouched.
func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}
	cfg.Normalize()
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".progenycal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// Location returns the configured default timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
