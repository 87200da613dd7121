// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. CONSULT_BACKEND_BASE_URL.
const EnvPrefix = "CONSULT_"

const (
	MinPollInterval     = 2 * time.Second
	MaxPollInterval     = 5 * time.Second
	DefaultPollInterval = 3 * time.Second
)

type RuntimeConfig struct {
	Dev bool
}

type BackendConfig struct {
	BaseURL         string        `yaml:"base_url" env:"BASE_URL"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	DownloadTimeout time.Duration `yaml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	// MaxConcurrent caps in-flight backend requests; 0 means unlimited.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

type PollConfig struct {
	Interval       time.Duration `yaml:"interval" env:"INTERVAL"`               // 2s..5s
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"` // per status request
}

type SubmissionConfig struct {
	MinBackgroundLength int `yaml:"min_background_length" env:"MIN_BACKGROUND_LENGTH"`
}

type RetryConfig struct {
	// RequestCreditOnFailure calls the refund route before checking eligibility.
	RequestCreditOnFailure bool          `yaml:"request_credit_on_failure" env:"REQUEST_CREDIT_ON_FAILURE"`
	CheckTimeout           time.Duration `yaml:"check_timeout" env:"CHECK_TIMEOUT"`
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`       // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"FORMAT"`     // json|console
	Sampling bool   `yaml:"sampling" env:"SAMPLING"` // enable sampling in prod
}

type StoreConfig struct {
	Driver  string        `yaml:"driver" env:"DRIVER"` // memory|redis|postgres
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	Migrate bool          `yaml:"migrate" env:"MIGRATE"`
	// Cache puts redis in front of postgres when redis.url is set.
	Cache bool `yaml:"cache" env:"CACHE"`
	// EncryptionKey seals the retained background at rest (16, 24 or 32 bytes).
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"URL"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
}

type RedisConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type APIConfig struct {
	Port int `yaml:"port" env:"PORT"`
	// HMACSecret verifies identity-provider bearer tokens. Empty in dev mode
	// means the X-User-ID header is trusted.
	HMACSecret string        `yaml:"hmac_secret" env:"HMAC_SECRET"`
	Issuer     string        `yaml:"issuer" env:"ISSUER"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// RateLimit is mutating requests per user per minute; 0 disables it.
	// Enforced only with a redis connection.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
	// IdleFlowTTL releases in-memory flows nobody touched for this long.
	IdleFlowTTL time.Duration `yaml:"idle_flow_ttl" env:"IDLE_FLOW_TTL"`
}

type IdentityConfig struct {
	UserID string `yaml:"user_id" env:"USER_ID"` // CLI default user
}

type Config struct {
	Backend    BackendConfig    `yaml:"backend" envPrefix:"BACKEND_"`
	Poll       PollConfig       `yaml:"poll" envPrefix:"POLL_"`
	Submission SubmissionConfig `yaml:"submission" envPrefix:"SUBMISSION_"`
	Retry      RetryConfig      `yaml:"retry" envPrefix:"RETRY_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Store      StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Redis      RedisConfig      `yaml:"redis" envPrefix:"REDIS_"`
	Database   DatabaseConfig   `yaml:"database" envPrefix:"DATABASE_"`
	API        APIConfig        `yaml:"api" envPrefix:"API_"`
	Identity   IdentityConfig   `yaml:"identity" envPrefix:"IDENTITY_"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path (a missing file is fine), applies
// .env and CONSULT_* environment overrides, then defaults and validation.
func LoadConfig(path string, dev bool) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Runtime.Dev = dev
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize fills defaults and clamps tunables into their allowed ranges.
func (c *Config) Sanitize() {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = 15 * time.Second
	}
	if c.Backend.DownloadTimeout <= 0 {
		c.Backend.DownloadTimeout = 2 * time.Minute
	}

	switch {
	case c.Poll.Interval <= 0:
		c.Poll.Interval = DefaultPollInterval
	case c.Poll.Interval < MinPollInterval:
		c.Poll.Interval = MinPollInterval
	case c.Poll.Interval > MaxPollInterval:
		c.Poll.Interval = MaxPollInterval
	}
	if c.Poll.RequestTimeout <= 0 {
		c.Poll.RequestTimeout = 10 * time.Second
	}

	if c.Submission.MinBackgroundLength <= 0 {
		c.Submission.MinBackgroundLength = 10
	}
	if c.Retry.CheckTimeout <= 0 {
		c.Retry.CheckTimeout = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	c.Store.TTL = normalizeTTL(c.Store.TTL)
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 4
	}

	if c.API.Port == 0 {
		c.API.Port = 8088
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.API.RateLimit < 0 {
		c.API.RateLimit = 0
	}
	if c.API.IdleFlowTTL <= 0 {
		c.API.IdleFlowTTL = 30 * time.Minute
	}
}

// Validate performs the minimal checks needed to start.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" && !c.Runtime.Dev {
		return errors.New("backend.base_url is required (or set " + EnvPrefix + "BACKEND_BASE_URL)")
	}
	if n := len(c.Store.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("store.encryption_key must be 16, 24 or 32 bytes; got %d", n)
	}
	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("redis.url is required when store.driver=redis")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url is required when store.driver=postgres")
		}
		if c.Store.Cache && c.Redis.URL == "" {
			return errors.New("redis.url is required when store.cache=true")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return 24 * time.Hour
	}
	return d
}
