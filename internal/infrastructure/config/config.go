package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the variable pointing at an optional YAML or TOML config file.
const FileEnv = "SCRIPTHOST_CONFIG"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox" toml:"sandbox"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        string   `envconfig:"PORT" yaml:"port" toml:"port"`
	Host        string   `envconfig:"HOST" yaml:"host" toml:"host"`
	PublicHost  string   `envconfig:"PUBLIC_HOST" yaml:"public_host" toml:"public_host"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" yaml:"cors_origins" toml:"cors_origins"`
}

// SandboxConfig holds worker pool configuration.
type SandboxConfig struct {
	PoolSize          int      `envconfig:"SANDBOX_POOL_SIZE" yaml:"pool_size" toml:"pool_size"`
	RecycleAfter      int      `envconfig:"SANDBOX_RECYCLE_AFTER" yaml:"recycle_after" toml:"recycle_after"`
	CompileTimeout    Duration `envconfig:"SANDBOX_COMPILE_TIMEOUT" yaml:"compile_timeout" toml:"compile_timeout"`
	ExecuteTimeout    Duration `envconfig:"SANDBOX_EXECUTE_TIMEOUT" yaml:"execute_timeout" toml:"execute_timeout"`
	ShutdownTimeout   Duration `envconfig:"SANDBOX_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ShareCompiled     bool     `envconfig:"SANDBOX_SHARE_COMPILED" yaml:"share_compiled" toml:"share_compiled"`
	ProvisionFailures int      `envconfig:"SANDBOX_PROVISION_FAILURES" yaml:"provision_failures" toml:"provision_failures"`
	ProvisionCooldown Duration `envconfig:"SANDBOX_PROVISION_COOLDOWN" yaml:"provision_cooldown" toml:"provision_cooldown"`
	// WorkerCommand overrides the worker binary; empty re-executes this one.
	WorkerCommand string `envconfig:"SANDBOX_WORKER_COMMAND" yaml:"worker_command" toml:"worker_command"`
	Prewarm       bool   `envconfig:"SANDBOX_PREWARM" yaml:"prewarm" toml:"prewarm"`
}

// StoreConfig holds object store configuration.
type StoreConfig struct {
	Root string `envconfig:"STORE_ROOT" yaml:"root" toml:"root"`
	Hash string `envconfig:"STORE_HASH" yaml:"hash" toml:"hash"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" yaml:"enabled" toml:"enabled"`
}

// Duration is a time.Duration read from strings like "5s" in files and
// environment variables.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Load builds configuration from defaults, then the file named by
// SCRIPTHOST_CONFIG if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML (.yaml, .yml) or TOML (.toml) file onto cfg.
// Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.UnmarshalWithOptions(data, c, yaml.Strict())
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(c)
	default:
		return fmt.Errorf("unsupported config file type %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the sandbox cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Sandbox.PoolSize < 1:
		return fmt.Errorf("sandbox pool size must be at least 1, got %d", c.Sandbox.PoolSize)
	case c.Sandbox.RecycleAfter < 0:
		return fmt.Errorf("sandbox recycle threshold cannot be negative")
	case c.Sandbox.CompileTimeout <= 0 || c.Sandbox.ExecuteTimeout <= 0:
		return fmt.Errorf("sandbox timeouts must be positive")
	case c.Store.Root == "":
		return fmt.Errorf("store root is required")
	case c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0):
		return fmt.Errorf("rate limit needs positive rps and burst when enabled")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host:        "0.0.0.0",
			PublicHost:  "localhost:8000",
			CORSOrigins: []string{"*"},
		},
		Sandbox: SandboxConfig{
			PoolSize:          4,
			RecycleAfter:      0,
			CompileTimeout:    Duration(10 * time.Second),
			ExecuteTimeout:    Duration(5 * time.Second),
			ShutdownTimeout:   Duration(time.Second),
			ShareCompiled:     false,
			ProvisionFailures: 3,
			ProvisionCooldown: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Root: "./data",
			Hash: "sha256",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
