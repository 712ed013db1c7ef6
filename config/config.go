// Package config reads the YAML file of the henka command.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/root-talis/henkadb/dialect"
	"github.com/root-talis/henkadb/driver"
)

const (
	DefaultFileName      = "henka.yml"
	DefaultMigrationsDir = "migrations"
)

var (
	ErrNoDriver = errors.New("driver is not set")
	ErrNoDSN    = errors.New("dsn is not set")
)

type Config struct {
	// Driver is one of sqlite, mysql or postgres (aliases accepted by
	// dialect.ByName).
	Driver string `yaml:"driver"`

	// DSN is expanded with environment variables, so passwords can stay
	// out of the file: "postgres://app:${DB_PASSWORD}@db/app".
	DSN string `yaml:"dsn"`

	Migrations   string `yaml:"migrations"`
	HistoryTable string `yaml:"history_table"`

	// Database qualifies the history table on mysql.
	Database string `yaml:"database"`

	// Schema qualifies the history table on postgres.
	Schema string `yaml:"schema"`

	// Lock makes runs hold an advisory lock.
	Lock        bool          `yaml:"lock"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes buf, fills defaults and validates the result. Unknown keys
// are an error.
func Parse(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.DSN = os.ExpandEnv(cfg.DSN)

	if cfg.Migrations == "" {
		cfg.Migrations = DefaultMigrationsDir
	}
	if cfg.HistoryTable == "" {
		cfg.HistoryTable = driver.DefaultHistoryTableName
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Driver == "" {
		return ErrNoDriver
	}
	if _, err := dialect.ByName(c.Driver); err != nil {
		return fmt.Errorf("invalid driver: %w", err)
	}
	if c.DSN == "" {
		return ErrNoDSN
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout must not be negative, got %s", c.LockTimeout)
	}
	return nil
}

// Dialect returns the dialect of the configured driver.
func (c *Config) Dialect() dialect.Dialect {
	d, err := dialect.ByName(c.Driver)
	if err != nil {
		panic(err) // unreachable after Validate
	}
	return d
}
