// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Database drivers understood by the bootstrap.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Comparator backends.
const (
	ComparatorPHash = "phash"
	ComparatorGRPC  = "grpc"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":5000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"10485760"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`

	DataDir        string `env:"DATA_DIR" envDefault:"data"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	RedisAddr      string `env:"REDIS_ADDR"`

	Comparator     string        `env:"COMPARATOR" envDefault:"phash"`
	ComparatorAddr string        `env:"COMPARATOR_ADDR" envDefault:"face-comparator:50051"`
	PHashThreshold int           `env:"PHASH_THRESHOLD" envDefault:"10"`
	MatchWorkers   int           `env:"MATCH_WORKERS" envDefault:"4"`
	CompareTimeout time.Duration `env:"COMPARE_TIMEOUT" envDefault:"10s"`

	ProbeTTL             time.Duration `env:"PROBE_TTL" envDefault:"5m"`
	ResultTTL            time.Duration `env:"RESULT_TTL" envDefault:"5m"`
	AllowDuplicateImages bool          `env:"ALLOW_DUPLICATE_IMAGES" envDefault:"false"`
}

// Load reads an optional .env file and parses the environment.
// A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	c.Comparator = strings.ToLower(strings.TrimSpace(c.Comparator))
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.RedisAddr = strings.TrimSpace(c.RedisAddr)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return errors.New("DATABASE_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	switch c.Comparator {
	case ComparatorPHash:
		if c.PHashThreshold < 0 || c.PHashThreshold > 64 {
			return fmt.Errorf("PHASH_THRESHOLD must be within 0..64, got %d", c.PHashThreshold)
		}
	case ComparatorGRPC:
		if strings.TrimSpace(c.ComparatorAddr) == "" {
			return errors.New("COMPARATOR_ADDR is required for the grpc comparator")
		}
	default:
		return fmt.Errorf("unsupported COMPARATOR %q", c.Comparator)
	}

	if c.DataDir == "" {
		return errors.New("DATA_DIR is required")
	}
	if c.MatchWorkers < 1 {
		return fmt.Errorf("MATCH_WORKERS must be positive, got %d", c.MatchWorkers)
	}
	if c.CompareTimeout <= 0 {
		return errors.New("COMPARE_TIMEOUT must be positive")
	}
	if c.ProbeTTL <= 0 || c.ResultTTL <= 0 {
		return errors.New("PROBE_TTL and RESULT_TTL must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be positive")
	}
	return nil
}

// BlobDir is where persistent gallery images are stored.
func (c *Config) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// SQLitePath is the gallery database used by the sqlite driver.
func (c *Config) SQLitePath() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return filepath.Join(c.DataDir, "gallery.db")
}

// LockPath guards DataDir against a second process.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "face-gallery.lock")
}
