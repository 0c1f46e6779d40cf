package config

import (
	"errors"
	"fmt"

	"github.com/a-h/iamacore/protocol"
	"github.com/caarlos0/env/v11"
	"golang.org/x/exp/slog"
)

type Config struct {
	// LogFile receives the structured log. Standard error is used when empty,
	// since standard output carries the protocol.
	LogFile  string     `env:"IAMA_LOG_FILE"`
	LogLevel slog.Level `env:"IAMA_LOG_LEVEL" envDefault:"INFO"`
	// Concurrency is the number of requests handled at once.
	Concurrency     int64 `env:"IAMA_CONCURRENCY" envDefault:"4"`
	MaxMessageBytes int64 `env:"IAMA_MAX_MESSAGE_BYTES" envDefault:"67108864"`
	// StrictLifecycle rejects requests sent out of lifecycle order.
	StrictLifecycle bool `env:"IAMA_STRICT_LIFECYCLE" envDefault:"true"`
	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `env:"IAMA_METRICS_ADDR"`
	// ServerName is reported as serverInfo from initialize when set.
	ServerName string `env:"IAMA_SERVER_NAME"`
}

// Default matches the envDefault tags.
func Default() Config {
	return Config{
		LogLevel:        slog.LevelInfo,
		Concurrency:     4,
		MaxMessageBytes: protocol.DefaultMaxContentLength,
		StrictLifecycle: true,
	}
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables instead of the
// process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (cfg Config, err error) {
	if err = env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

var (
	ErrInvalidConcurrency     = errors.New("concurrency must be at least 1")
	ErrInvalidMaxMessageBytes = errors.New("max message bytes must be at least 1")
)

func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidConcurrency, c.Concurrency))
	}
	if c.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Errorf("%w, got %d", ErrInvalidMaxMessageBytes, c.MaxMessageBytes))
	}
	return errors.Join(errs...)
}
