// Package config loads settings for cmd/authctl and cmd/authstub.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Environments understood by SetupLogger.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the root configuration.
// Sources, highest priority first:
//  1. explicit path (--config);
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. environment variables only.
//
// Environment variables always override values read from a file.
type Config struct {
	Env     string        `yaml:"env" env:"AUTHKIT_ENV" env-default:"local"`
	Backend BackendConfig `yaml:"backend"`
	Store   StoreConfig   `yaml:"store"`
	Refresh RefreshConfig `yaml:"refresh"`
	Google  GoogleConfig  `yaml:"google"`
	Metrics MetricsConfig `yaml:"metrics"`
	Stub    StubConfig    `yaml:"stub"`
}

// BackendConfig points the HTTP session client at the application backend.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url" env:"AUTHKIT_BACKEND_URL" env-default:"http://localhost:8080"`
	Timeout time.Duration `yaml:"timeout" env:"AUTHKIT_BACKEND_TIMEOUT" env-default:"10s"`
}

// StoreConfig selects where the token pair is persisted.
type StoreConfig struct {
	Driver      string `yaml:"driver" env:"AUTHKIT_STORE_DRIVER" env-default:"sqlite"`
	SQLitePath  string `yaml:"sqlite_path" env:"AUTHKIT_SQLITE_PATH" env-default:".authkit/session.db"`
	RedisURL    string `yaml:"redis_url" env:"AUTHKIT_REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" env:"AUTHKIT_REDIS_PREFIX" env-default:"authkit:"`
}

// RefreshConfig bounds shared refresh and exchange calls.
type RefreshConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"AUTHKIT_REFRESH_TIMEOUT" env-default:"30s"`
}

// GoogleConfig holds the OAuth client used by `authctl google`.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" env:"AUTHKIT_GOOGLE_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"AUTHKIT_GOOGLE_CLIENT_SECRET"`
	RedirectURL  string `yaml:"redirect_url" env:"AUTHKIT_GOOGLE_REDIRECT_URL" env-default:"http://127.0.0.1:8085/callback"`
}

// MetricsConfig toggles Prometheus metrics. They are on unless disabled.
type MetricsConfig struct {
	Disabled bool `yaml:"disabled" env:"AUTHKIT_METRICS_DISABLED"`
}

// StubConfig configures cmd/authstub.
type StubConfig struct {
	Host       string        `yaml:"host" env:"AUTHKIT_STUB_HOST" env-default:"127.0.0.1"`
	Port       string        `yaml:"port" env:"AUTHKIT_STUB_PORT" env-default:"8080"`
	Secret     string        `yaml:"secret" env:"AUTHKIT_STUB_SECRET" env-default:"authkit-stub-secret"`
	AccessTTL  time.Duration `yaml:"access_ttl" env:"AUTHKIT_STUB_ACCESS_TTL" env-default:"5m"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" env:"AUTHKIT_STUB_REFRESH_TTL" env-default:"24h"`
	NoRotation bool          `yaml:"no_rotation" env:"AUTHKIT_STUB_NO_ROTATION"`
	Users      []StubUser    `yaml:"users"`
}

// StubUser is a seeded credentials account.
type StubUser struct {
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
	Moderator   bool   `yaml:"moderator"`
}

// Addr returns host:port.
func (s StubConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// Validate checks values cleanenv cannot express with tags.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config: store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url is required")
	}
	return nil
}

// MustLoad wraps Load and panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration by priority: explicit path, CONFIG_PATH,
// ./local.yaml, then environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to overlay env: %w", err)
		}
		return &cfg, cfg.Validate()
	}

	if path != "" {
		return tryRead(path)
	}

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}

	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config not found: provide --config, CONFIG_PATH, local.yaml or env vars: %w", err)
	}
	return &cfg, cfg.Validate()
}
