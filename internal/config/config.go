package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// IngestConfig configures fetching and the on-disk layout.
type IngestConfig struct {
	Source              string `yaml:"source" mapstructure:"source"`
	BaseURL             string `yaml:"base_url" mapstructure:"base_url"`
	ListingURL          string `yaml:"listing_url" mapstructure:"listing_url"`
	DataDir             string `yaml:"data_dir" mapstructure:"data_dir"`
	ReportDir           string `yaml:"report_dir" mapstructure:"report_dir"`
	UserAgent           string `yaml:"user_agent" mapstructure:"user_agent"`
	RequestsPerPeriod   int    `yaml:"requests_per_period" mapstructure:"requests_per_period"`
	PeriodSecs          int    `yaml:"period_seconds" mapstructure:"period_seconds"`
	MaxRetries          int    `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimitWaitSecs   int    `yaml:"rate_limit_wait_secs" mapstructure:"rate_limit_wait_secs"`
	MaxRateLimitWaits   int    `yaml:"max_rate_limit_waits" mapstructure:"max_rate_limit_waits"`
	TimeoutSecs         int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	NormalizerCacheSize int    `yaml:"normalizer_cache_size" mapstructure:"normalizer_cache_size"`
}

// Period returns the rate-limit window.
func (c IngestConfig) Period() time.Duration {
	return time.Duration(c.PeriodSecs) * time.Second
}

// RateLimitWait returns the fallback wait after a 429 without Retry-After.
func (c IngestConfig) RateLimitWait() time.Duration {
	return time.Duration(c.RateLimitWaitSecs) * time.Second
}

// Timeout returns the per-request timeout; zero means none.
func (c IngestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ValidationConfig holds the configurable validation policy.
type ValidationConfig struct {
	// AllowZeroIndex accepts a measurement of exactly zero.
	AllowZeroIndex bool `yaml:"allow_zero_index" mapstructure:"allow_zero_index"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRICEINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "priceindex.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.source", "ons_item_indices")
	v.SetDefault("ingest.base_url", "")
	v.SetDefault("ingest.listing_url", "")
	v.SetDefault("ingest.data_dir", "data")
	v.SetDefault("ingest.report_dir", "")
	v.SetDefault("ingest.user_agent", "priceindex-cli/1.0")
	v.SetDefault("ingest.requests_per_period", 5)
	v.SetDefault("ingest.period_seconds", 10)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.rate_limit_wait_secs", 10)
	v.SetDefault("ingest.max_rate_limit_waits", 8)
	v.SetDefault("ingest.timeout_secs", 0)
	v.SetDefault("ingest.normalizer_cache_size", 1000)
	v.SetDefault("validation.allow_zero_index", true)

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

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Ingest.DataDir == "" {
		problems = append(problems, "ingest.data_dir is required")
	}
	if c.Ingest.RequestsPerPeriod < 0 || c.Ingest.PeriodSecs < 0 {
		problems = append(problems, "ingest rate limit must not be negative")
	}
	if c.Ingest.MaxRetries < 0 {
		problems = append(problems, "ingest.max_retries must not be negative")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
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
