// Package config loads and validates the application configuration from
// file, environment, and .env.
package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/storyatlas/resolve-cli/internal/ratelimit"
	"github.com/storyatlas/resolve-cli/internal/resolver"
	"github.com/storyatlas/resolve-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Geocode   GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Search    SearchConfig     `yaml:"search" mapstructure:"search"`
	Resolve   ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Policy    resolver.Policy  `yaml:"policy" mapstructure:"policy"`
	RateLimit ratelimit.Config `yaml:"rate_limit" mapstructure:"rate_limit"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	Path        string            `yaml:"path" mapstructure:"path"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// AnthropicConfig holds reasoning service settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// GeocodeConfig configures the geocoder cascade.
type GeocodeConfig struct {
	GoogleAPIKey string `yaml:"google_api_key" mapstructure:"google_api_key"`

	// NominatimEmail identifies this client to the Nominatim usage
	// policy; startup fails without it.
	NominatimEmail string `yaml:"nominatim_email" mapstructure:"nominatim_email"`
}

// SearchConfig configures the web evidence harvester.
type SearchConfig struct {
	MaxResults int `yaml:"max_results" mapstructure:"max_results"`
}

// ResolveConfig configures the resolve run.
type ResolveConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file, and environment.
func Load() (*Config, error) {
	// Optional .env in the working directory.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "atlas.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("resolve.concurrency", resolver.DefaultConcurrency)
	v.SetDefault("resolve.timeout_secs", 0)
	v.SetDefault("rate_limit.reasoning_concurrency", 10)
	v.SetDefault("rate_limit.google_concurrency", 50)
	v.SetDefault("rate_limit.nominatim_rps", 1.0)
	v.SetDefault("policy.skip_confidence", 0.2)
	v.SetDefault("policy.simple_confidence", 0.85)
	v.SetDefault("policy.research_confidence", 0.9)
	v.SetDefault("policy.incremental_threshold", 0.7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate enforces the startup-fatal requirements for a resolve run.
// Missing credentials abort before any record is touched.
func (c *Config) Validate() error {
	if c.Anthropic.Key == "" {
		return eris.New("config: anthropic.key is required (RESOLVE_ANTHROPIC_KEY)")
	}
	if c.Geocode.NominatimEmail == "" {
		return eris.New("config: geocode.nominatim_email is required (RESOLVE_GEOCODE_NOMINATIM_EMAIL)")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return eris.New("config: store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
