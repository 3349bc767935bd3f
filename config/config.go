// Package config loads the process configuration from BATCHMIGRATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/platforma-dev/batchmigrate/execution"
	"github.com/platforma-dev/batchmigrate/log"
)

// Prefix is the environment variable prefix.
const Prefix = "BATCHMIGRATE"

// Queue backends.
const (
	QueueChan  = "chan"
	QueueRedis = "redis"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all settings of a batchmigrate process.
type Config struct {
	Database  DatabaseConfig  `envconfig:"DATABASE"`
	Queue     QueueConfig     `envconfig:"QUEUE"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Log       LogConfig       `envconfig:"LOG"`
	WideEvent WideEventConfig `envconfig:"WIDE_EVENT"`

	Debug             bool   `envconfig:"DEBUG" default:"false"`
	ExecutionLogLevel string `envconfig:"EXECUTION_LOG_LEVEL"`
	Schedule          string `envconfig:"SCHEDULE" default:"@every 1m"`
	HTTPAddr          string `envconfig:"HTTP_ADDR" default:":8080"`
	SignalChannel     string `envconfig:"SIGNAL_CHANNEL"`
}

// DatabaseConfig selects the store backing executions, events and logs.
type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" default:"postgres"`
	URL    string `envconfig:"URL"`
}

// QueueConfig sizes the job queue and its worker pool.
type QueueConfig struct {
	Backend         string        `envconfig:"BACKEND" default:"chan"`
	Workers         int           `envconfig:"WORKERS" default:"4"`
	Buffer          int           `envconfig:"BUFFER" default:"1000"`
	EnqueueTimeout  time.Duration `envconfig:"ENQUEUE_TIMEOUT" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// RedisConfig is used by the redis queue backend and the signal channel.
type RedisConfig struct {
	Addr     string `envconfig:"ADDR" default:"localhost:6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
	Key      string `envconfig:"KEY" default:"batchmigrate:jobs"`
}

// LogConfig configures the process log.
type LogConfig struct {
	Format string `envconfig:"FORMAT" default:"text"`
	Level  string `envconfig:"LEVEL" default:"info"`
}

// WideEventConfig configures tail sampling of batch wide events.
type WideEventConfig struct {
	SlowThreshold time.Duration `envconfig:"SLOW_THRESHOLD" default:"5s"`
	KeepRate      float64       `envconfig:"KEEP_RATE" default:"0.1"`
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	var cfg Config

	err := envconfig.Process(Prefix, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot check by itself.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("%w: unsupported database driver %q", ErrInvalid, c.Database.Driver))
	}

	switch c.Queue.Backend {
	case QueueChan, QueueRedis:
	default:
		errs = append(errs, fmt.Errorf("%w: unsupported queue backend %q", ErrInvalid, c.Queue.Backend))
	}

	if c.Queue.Workers < 1 {
		errs = append(errs, fmt.Errorf("%w: queue workers must be positive", ErrInvalid))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("%w: log format must be text or json", ErrInvalid))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}

	if _, err := c.MinExecutionLogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}

	if c.WideEvent.KeepRate < 0 || c.WideEvent.KeepRate > 1 {
		errs = append(errs, fmt.Errorf("%w: wide event keep rate must be within [0, 1]", ErrInvalid))
	}

	return errors.Join(errs...)
}

// LogLevel returns the process log level. Debug forces debug.
func (c *Config) LogLevel() (slog.Level, error) {
	if c.Debug {
		return slog.LevelDebug, nil
	}
	return log.ParseLevel(c.Log.Level)
}

// MinExecutionLogLevel returns the minimum severity stored in the execution log.
func (c *Config) MinExecutionLogLevel() (slog.Level, error) {
	if c.ExecutionLogLevel == "" {
		return execution.MinLevel(c.Debug), nil
	}
	return log.ParseLevel(c.ExecutionLogLevel)
}
