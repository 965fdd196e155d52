// Package config loads service configuration from an optional YAML file
// followed by environment variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete pipeline-builder configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Proposer ProposerConfig `yaml:"proposer"`
	Sessions SessionsConfig `yaml:"sessions"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port string `yaml:"port"`
}

// ProposerConfig selects and bounds the graph proposer.
// With an empty URL the built-in catalog proposer is used.
type ProposerConfig struct {
	URL           string        `yaml:"url"`
	CatalogFile   string        `yaml:"catalog_file"`
	Timeout       time.Duration `yaml:"-"`
	TimeoutRaw    string        `yaml:"timeout"`
	ThinkDelay    time.Duration `yaml:"-"`
	ThinkDelayRaw string        `yaml:"think_delay"`
}

// SessionsConfig holds session lifecycle settings
type SessionsConfig struct {
	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
	QueueSize      int           `yaml:"queue_size"`
}

// DatabaseConfig holds the optional Postgres node-detail store
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the optional Redis node-detail store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Proposer: ProposerConfig{
			TimeoutRaw: "30s",
		},
		Sessions: SessionsConfig{
			IdleTimeoutRaw: "30m",
			QueueSize:      16,
		},
		Redis: RedisConfig{Prefix: "pipeline:node:"},
	}
}

// Load builds the configuration. When path is non-empty the YAML file is read
// first, with ${VAR_NAME} references expanded. Environment variables are
// applied on top, then durations are parsed and the result validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty string when unset
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	overrides := []struct {
		name   string
		target *string
	}{
		{"PORT", &cfg.Server.Port},
		{"DATABASE_URL", &cfg.Database.URL},
		{"REDIS_ADDR", &cfg.Redis.Addr},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"PROPOSER_URL", &cfg.Proposer.URL},
		{"PROPOSER_TIMEOUT", &cfg.Proposer.TimeoutRaw},
		{"PROPOSER_THINK_DELAY", &cfg.Proposer.ThinkDelayRaw},
		{"CATALOG_FILE", &cfg.Proposer.CatalogFile},
		{"SESSION_IDLE_TIMEOUT", &cfg.Sessions.IdleTimeoutRaw},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}

	if v := os.Getenv("SESSION_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SESSION_QUEUE_SIZE %q: %w", v, err)
		}
		cfg.Sessions.QueueSize = n
	}

	if cfg.Server.Port == "" {
		log.Printf("WARN: PORT not set, defaulting to 8080")
		cfg.Server.Port = "8080"
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Proposer.Timeout <= 0 {
		return fmt.Errorf("proposer.timeout must be positive")
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}
	if c.Sessions.QueueSize < 1 {
		return fmt.Errorf("sessions.queue_size must be at least 1")
	}
	if c.Proposer.URL != "" && c.Proposer.CatalogFile != "" {
		return fmt.Errorf("proposer.url and proposer.catalog_file are mutually exclusive")
	}
	return nil
}

func parseDurations(cfg *Config) error {
	var err error

	if cfg.Proposer.TimeoutRaw != "" {
		cfg.Proposer.Timeout, err = time.ParseDuration(cfg.Proposer.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing proposer timeout %q: %w", cfg.Proposer.TimeoutRaw, err)
		}
	}

	if cfg.Proposer.ThinkDelayRaw != "" {
		cfg.Proposer.ThinkDelay, err = time.ParseDuration(cfg.Proposer.ThinkDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing proposer think_delay %q: %w", cfg.Proposer.ThinkDelayRaw, err)
		}
	}

	if cfg.Sessions.IdleTimeoutRaw != "" {
		cfg.Sessions.IdleTimeout, err = time.ParseDuration(cfg.Sessions.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing session idle_timeout %q: %w", cfg.Sessions.IdleTimeoutRaw, err)
		}
	}

	return nil
}
