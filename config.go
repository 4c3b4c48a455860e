package serial

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRelayCapacity is the number of received bytes a channel holds
	// for the host before it starts dropping.
	DefaultRelayCapacity = 8192

	// DefaultReadBufferSize is the size of the reader's scratch buffer.
	DefaultReadBufferSize = 8192
)

// Config holds the channel tunables that are not line settings.
type Config struct {
	RelayCapacity  int
	ReadBufferSize int

	// Transient read errors are retried with exponential backoff between
	// RetryInitialInterval and RetryMaxInterval. If errors keep coming for
	// longer than RetryMaxElapsed the loop stops; zero means never.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration

	Logger *zap.Logger
}

// Setting adjusts a Config before a channel is built.
type Setting func(*Config)

func defaultConfig() Config {
	return Config{
		RelayCapacity:        DefaultRelayCapacity,
		ReadBufferSize:       DefaultReadBufferSize,
		RetryInitialInterval: 10 * time.Millisecond,
		RetryMaxInterval:     time.Second,
	}
}

func buildConfig(settings []Setting) Config {
	cfg := defaultConfig()
	for _, s := range settings {
		s(&cfg)
	}
	if cfg.RelayCapacity <= 0 {
		cfg.RelayCapacity = DefaultRelayCapacity
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 10 * time.Millisecond
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = cfg.RetryInitialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	return cfg
}

// WithRelayCapacity sets how many received bytes the relay holds.
func WithRelayCapacity(n int) Setting {
	return func(c *Config) { c.RelayCapacity = n }
}

// WithReadBufferSize sets the largest batch a single read returns.
func WithReadBufferSize(n int) Setting {
	return func(c *Config) { c.ReadBufferSize = n }
}

// WithRetry sets the backoff applied to transient read errors.
func WithRetry(initial, maxInterval, maxElapsed time.Duration) Setting {
	return func(c *Config) {
		c.RetryInitialInterval = initial
		c.RetryMaxInterval = maxInterval
		c.RetryMaxElapsed = maxElapsed
	}
}

// WithLogger sets the logger used by the channel and its read loop.
func WithLogger(l *zap.Logger) Setting {
	return func(c *Config) { c.Logger = l }
}
