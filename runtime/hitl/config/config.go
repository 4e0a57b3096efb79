// Package config loads the settings of the hitl backend binary.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Log formats.
const (
	FormatTerminal = "terminal"
	FormatJSON     = "json"
)

// ErrInvalid is wrapped by the errors returned by Validate.
var ErrInvalid = errors.New("invalid config")

type (
	// Config is the root configuration document.
	Config struct {
		Server  Server `yaml:"server"`
		Backend string `yaml:"backend"`
		Redis   Redis  `yaml:"redis"`
		Log     Log    `yaml:"log"`
	}

	// Server configures the HTTP server.
	Server struct {
		Addr string `yaml:"addr"`
		// Model is the model name stamped on chunks and reported by /health.
		Model        string        `yaml:"model"`
		MaxBodyBytes int64         `yaml:"max_body_bytes"`
		WaitTimeout  time.Duration `yaml:"wait_timeout"`
		// RateLimit caps accepted continuations per second. Zero disables
		// limiting.
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
	}

	// Redis configures the Redis client shared by the run store and the
	// continuation hub when Backend is "redis".
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// KeyPrefix namespaces the run store keys.
		KeyPrefix string `yaml:"key_prefix"`
		// TTL expires idle run state. Zero keeps it until the run is
		// deleted.
		TTL time.Duration `yaml:"ttl"`
	}

	// Log configures logging.
	Log struct {
		Format string `yaml:"format"`
		Debug  bool   `yaml:"debug"`
	}
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, expands environment variables, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.Model == "" {
		cfg.Server.Model = "scripted"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 1
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "hitl"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = FormatTerminal
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Backend != BackendMemory && c.Backend != BackendRedis:
		return fmt.Errorf("%w: backend must be %q or %q, got %q", ErrInvalid, BackendMemory, BackendRedis, c.Backend)
	case c.Log.Format != FormatTerminal && c.Log.Format != FormatJSON:
		return fmt.Errorf("%w: log.format must be %q or %q, got %q", ErrInvalid, FormatTerminal, FormatJSON, c.Log.Format)
	case c.Server.MaxBodyBytes < 0:
		return fmt.Errorf("%w: server.max_body_bytes must not be negative", ErrInvalid)
	case c.Server.WaitTimeout < 0:
		return fmt.Errorf("%w: server.wait_timeout must not be negative", ErrInvalid)
	case c.Server.RateLimit < 0 || c.Server.RateBurst < 0:
		return fmt.Errorf("%w: server.rate_limit and server.rate_burst must not be negative", ErrInvalid)
	case c.Redis.TTL < 0:
		return fmt.Errorf("%w: redis.ttl must not be negative", ErrInvalid)
	}
	return nil
}
