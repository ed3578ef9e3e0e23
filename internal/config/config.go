package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/example/bggone/internal/apperror"
)

const (
	EnvAPIKey          = "GEMINI_API_KEY"
	EnvAPIKeyFallback  = "API_KEY"
	EnvPort            = "PORT"
	EnvModel           = "GEMINI_MODEL"
	EnvBaseURL         = "GEMINI_BASE_URL"
	EnvProviderTimeout = "PROVIDER_TIMEOUT"
	EnvMaxBodySize     = "MAX_BODY_SIZE"
	EnvCORSOrigins     = "CORS_ALLOW_ORIGINS"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvRateLimit       = "RATE_LIMIT_PER_MINUTE"
	EnvDatabaseDSN     = "DATABASE_DSN"
	EnvGRPCHealthAddr  = "GRPC_HEALTH_ADDR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvTrustedProxies  = "TRUSTED_PROXIES"
)

// DefaultRateLimitPerMinute applies when no source sets a limit. Zero from
// any source disables limiting.
const DefaultRateLimitPerMinute = 30

// Config holds all relay settings. The TOML keys mirror the environment
// variables; environment values win.
type Config struct {
	APIKey             string   `toml:"api_key"`
	Port               int      `toml:"port"`
	Model              string   `toml:"model"`
	BaseURL            string   `toml:"base_url"`
	ProviderTimeout    string   `toml:"provider_timeout"`
	MaxBodySize        string   `toml:"max_body_size"`
	CORSAllowOrigins   []string `toml:"cors_allow_origins"`
	RedisAddr          string   `toml:"redis_addr"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
	DatabaseDSN        string   `toml:"database_dsn"`
	GRPCHealthAddr     string   `toml:"grpc_health_addr"`
	LogLevel           string   `toml:"log_level"`
	TrustedProxies     []string `toml:"trusted_proxies"`

	providerTimeoutVal time.Duration
	maxBodySizeVal     int64
}

// Load reads the optional TOML file at path, a .env file if one exists,
// and the process environment. A missing credential is a configuration
// error.
func Load(path string) (*Config, error) {
	cfg := &Config{RateLimitPerMinute: DefaultRateLimitPerMinute}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperror.Wrap(apperror.KindConfiguration, "config.load", "invalid .env file", err)
	}

	cfg.loadDefaults()
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProviderTimeoutDuration is the parsed provider call bound.
func (c *Config) ProviderTimeoutDuration() time.Duration {
	return c.providerTimeoutVal
}

// MaxBodySizeBytes is the parsed request body ceiling.
func (c *Config) MaxBodySizeBytes() int64 {
	return c.maxBodySizeVal
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperror.Wrap(apperror.KindConfiguration, "config.load_file", "cannot read config file", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return apperror.Wrap(apperror.KindConfiguration, "config.load_file", "invalid config file", err)
	}
	return nil
}

func (c *Config) loadDefaults() {
	if c.Port == 0 {
		c.Port = 3001
	}
	if c.Model == "" {
		c.Model = "gemini-2.5-flash-image"
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if c.ProviderTimeout == "" {
		c.ProviderTimeout = "60s"
	}
	if c.MaxBodySize == "" {
		c.MaxBodySize = "30MB"
	}
	if len(c.CORSAllowOrigins) == 0 {
		c.CORSAllowOrigins = []string{"*"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	} else if v := os.Getenv(EnvAPIKeyFallback); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperror.Wrap(apperror.KindConfiguration, "config.env", "invalid "+EnvPort, err)
		}
		c.Port = port
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.Model = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvProviderTimeout); v != "" {
		c.ProviderTimeout = v
	}
	if v := os.Getenv(EnvMaxBodySize); v != "" {
		c.MaxBodySize = v
	}
	if v := os.Getenv(EnvCORSOrigins); v != "" {
		c.CORSAllowOrigins = splitList(v)
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv(EnvRateLimit); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return apperror.Wrap(apperror.KindConfiguration, "config.env", "invalid "+EnvRateLimit, err)
		}
		c.RateLimitPerMinute = limit
	}
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv(EnvGRPCHealthAddr); v != "" {
		c.GRPCHealthAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvTrustedProxies); v != "" {
		c.TrustedProxies = splitList(v)
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return apperror.New(apperror.KindConfiguration, "config.validate",
			"Missing "+EnvAPIKey+" environment variable. Set "+EnvAPIKey+" for the server.")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return apperror.New(apperror.KindConfiguration, "config.validate", fmt.Sprintf("port %d out of range", c.Port))
	}

	timeout, err := time.ParseDuration(c.ProviderTimeout)
	if err != nil {
		return apperror.Wrap(apperror.KindConfiguration, "config.validate", "invalid provider_timeout", err)
	}
	if timeout <= 0 {
		return apperror.New(apperror.KindConfiguration, "config.validate",
			fmt.Sprintf("provider_timeout must be positive, got %s", c.ProviderTimeout))
	}
	c.providerTimeoutVal = timeout

	size, err := units.FromHumanSize(c.MaxBodySize)
	if err != nil {
		return apperror.Wrap(apperror.KindConfiguration, "config.validate", "invalid max_body_size", err)
	}
	if size <= 0 {
		return apperror.New(apperror.KindConfiguration, "config.validate", "max_body_size must be positive")
	}
	c.maxBodySizeVal = size

	if c.RateLimitPerMinute < 0 {
		return apperror.New(apperror.KindConfiguration, "config.validate", "rate_limit_per_minute must not be negative")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
