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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Feed      FeedConfig      `yaml:"feed" mapstructure:"feed"`
	Detail    DetailConfig    `yaml:"detail" mapstructure:"detail"`
	Pull      PullConfig      `yaml:"pull" mapstructure:"pull"`
	Repair    RepairConfig    `yaml:"repair" mapstructure:"repair"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RedisConfig configures the run lock backend.
type RedisConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	LockKey     string `yaml:"lock_key" mapstructure:"lock_key"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// LockTTL returns the lock expiry as a duration.
func (c RedisConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

// FeedConfig configures the killmail feed client.
type FeedConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	MinIntervalMS int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
}

// DetailConfig configures the detail (ESI) client.
type DetailConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	MinIntervalMS int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
}

// PullConfig configures pull runs.
type PullConfig struct {
	BudgetSecs       int `yaml:"budget_secs" mapstructure:"budget_secs"`
	MaxPagesPerMonth int `yaml:"max_pages_per_month" mapstructure:"max_pages_per_month"`
}

// Budget returns the wall clock allowance as a duration.
func (c PullConfig) Budget() time.Duration {
	return time.Duration(c.BudgetSecs) * time.Second
}

// RepairConfig configures the repair pass.
type RepairConfig struct {
	Limit       int `yaml:"limit" mapstructure:"limit"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// RetentionConfig configures the global-scope sweep.
type RetentionConfig struct {
	Months int `yaml:"months" mapstructure:"months"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KILLFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.lock_key", "killfeed:pull-lock")
	v.SetDefault("redis.lock_ttl_secs", 7200)
	v.SetDefault("feed.base_url", "https://zkillboard.com/api")
	v.SetDefault("feed.user_agent", "killfeed")
	v.SetDefault("feed.min_interval_ms", 1000)
	v.SetDefault("detail.base_url", "https://esi.evetech.net/latest")
	v.SetDefault("detail.user_agent", "killfeed")
	v.SetDefault("detail.min_interval_ms", 50)
	v.SetDefault("pull.budget_secs", 0)
	v.SetDefault("pull.max_pages_per_month", 50)
	v.SetDefault("repair.limit", 1000)
	v.SetDefault("repair.concurrency", 4)
	v.SetDefault("retention.months", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the fields the given mode depends on. Modes map to
// commands: every mode needs the store, pull and serve additionally need
// the lock backend.
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	// SQLite falls back to a local file when database_url is empty.
	haveDB := c.Store.DatabaseURL != "" || c.Store.Driver == "sqlite"

	switch mode {
	case "pull":
		need(haveDB, "store.database_url is required")
		need(c.Redis.URL != "", "redis.url is required")
		need(c.Redis.LockTTLSecs > 0, "redis.lock_ttl_secs must be > 0")
	case "repair", "retention", "status", "migrate":
		need(haveDB, "store.database_url is required")
	case "serve":
		need(haveDB, "store.database_url is required")
		need(c.Redis.URL != "", "redis.url is required")
		need(c.Server.Port > 0, "server.port must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	need(c.Store.Driver == "postgres" || c.Store.Driver == "sqlite",
		"store.driver must be postgres or sqlite")

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
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
