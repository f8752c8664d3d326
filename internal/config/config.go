// Package config loads the service configuration file. YAML is coerced to
// JSON so one strict decoder (DisallowUnknownFields) covers both formats.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Budget    BudgetConfig    `json:"budget,omitempty"`
	Templates string          `json:"templates,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

type ServerConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
	// RatePerSec limits authenticated API requests; 0 disables limiting.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SchedulerConfig durations are Go duration strings ("10s", "2m").
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// RatePerSec caps execution starts per second across all schedules;
	// 0 disables the limiter.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBaseDelay  string  `json:"retry_base_delay,omitempty"`
	RetryMultiplier float64 `json:"retry_multiplier,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
}

type BudgetConfig struct {
	// DefaultMonthlyCap applies to agent types without an explicit cap.
	// 0 means unlimited.
	DefaultMonthlyCap float64            `json:"default_monthly_cap,omitempty"`
	MonthlyCaps       map[string]float64 `json:"monthly_caps,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Format is "console" or "json".
	Format string `json:"format,omitempty"`
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Parse decodes config bytes; path determines YAML vs JSON handling.
func Parse(path string, b []byte) (*Config, error) {
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8484"
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.DefaultTimeout == "" {
		c.Scheduler.DefaultTimeout = "2m"
	}
	if c.Scheduler.RetryMax <= 0 {
		c.Scheduler.RetryMax = 3
	}
	if c.Scheduler.RetryBaseDelay == "" {
		c.Scheduler.RetryBaseDelay = "1s"
	}
	if c.Scheduler.RetryMultiplier <= 0 {
		c.Scheduler.RetryMultiplier = 2
	}
	if c.Scheduler.RetryMaxDelay == "" {
		c.Scheduler.RetryMaxDelay = "1m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "sqlite":
	case "":
		return errors.New("database.driver is required")
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"scheduler.retry_base_delay", c.Scheduler.RetryBaseDelay},
		{"scheduler.retry_max_delay", c.Scheduler.RetryMaxDelay},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return nil
}

// Duration parses one of the duration-string fields; call only after Load.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
