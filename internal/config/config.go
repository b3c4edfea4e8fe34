// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Governor    GovernorConfig    `mapstructure:"governor"`
	Harvest     HarvestConfig     `mapstructure:"harvest"`
	DB          DBConfig          `mapstructure:"db"`
	ClickHouse  ClickHouseConfig  `mapstructure:"clickhouse"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Router      RouterConfig      `mapstructure:"router"`
	Sync        SyncConfig        `mapstructure:"sync"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MarketplaceConfig controls the outbound API client.
type MarketplaceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// GovernorConfig tunes the adaptive rate governor.
type GovernorConfig struct {
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	MinDelayMs     int     `mapstructure:"min_delay_ms"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	BackoffFactor  float64 `mapstructure:"backoff_factor"`
	IncreaseFactor float64 `mapstructure:"increase_factor"`
	DecreaseFactor float64 `mapstructure:"decrease_factor"`
	HighWatermark  float64 `mapstructure:"high_watermark"`
	LowWatermark   float64 `mapstructure:"low_watermark"`
}

// HarvestConfig governs the collection sweep.
type HarvestConfig struct {
	BatchSize        int    `mapstructure:"batch_size"`
	MaxPages         int    `mapstructure:"max_pages"`
	EmptyStreakLimit int    `mapstructure:"empty_streak_limit"`
	PageLimit        int    `mapstructure:"page_limit"`
	Concurrency      int    `mapstructure:"concurrency"`
	IntervalSeconds  int    `mapstructure:"interval_seconds"`
	SummaryTopic     string `mapstructure:"summary_topic"`
}

// DBConfig controls access to the operational Postgres store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// ClickHouseConfig controls the analytical store connection.
type ClickHouseConfig struct {
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RedisConfig controls the point-read cache. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RouterConfig tunes the persistence router.
type RouterConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	SlowThresholdMs int `mapstructure:"slow_threshold_ms"`
}

// SyncConfig governs the operational-to-analytical sync loop.
type SyncConfig struct {
	Target          string `mapstructure:"target"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	BatchSize       int    `mapstructure:"batch_size"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An empty
// ProjectID disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so AutomaticEnv can fill them.
	v.SetDefault("marketplace.base_url", "")
	v.SetDefault("marketplace.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("clickhouse.addr", "")
	v.SetDefault("clickhouse.username", "")
	v.SetDefault("clickhouse.password", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("harvest.summary_topic", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("marketplace.user_agent", "skinpulse-harvester/1.0")
	v.SetDefault("marketplace.timeout_seconds", 15)
	v.SetDefault("governor.initial_delay_ms", 1000)
	v.SetDefault("governor.min_delay_ms", 1000)
	v.SetDefault("governor.max_delay_ms", 60000)
	v.SetDefault("governor.backoff_factor", 1.5)
	v.SetDefault("governor.increase_factor", 1.2)
	v.SetDefault("governor.decrease_factor", 0.9)
	v.SetDefault("governor.high_watermark", 0.8)
	v.SetDefault("governor.low_watermark", 0.3)
	v.SetDefault("harvest.batch_size", 100)
	v.SetDefault("harvest.max_pages", 50)
	v.SetDefault("harvest.empty_streak_limit", 5)
	v.SetDefault("harvest.page_limit", 50)
	v.SetDefault("harvest.concurrency", 2)
	v.SetDefault("harvest.interval_seconds", 1800)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("router.cache_ttl_seconds", 3600)
	v.SetDefault("router.slow_threshold_ms", 1000)
	v.SetDefault("sync.target", "clickhouse")
	v.SetDefault("sync.interval_seconds", 300)
	v.SetDefault("sync.batch_size", 1000)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Marketplace.BaseURL == "" {
		return fmt.Errorf("marketplace.base_url is required")
	}
	if c.Marketplace.TimeoutSeconds <= 0 {
		return fmt.Errorf("marketplace.timeout_seconds must be > 0")
	}
	if c.Governor.MinDelayMs <= 0 || c.Governor.MaxDelayMs < c.Governor.MinDelayMs {
		return fmt.Errorf("governor delay bounds are invalid")
	}
	if c.Governor.BackoffFactor <= 1 {
		return fmt.Errorf("governor.backoff_factor must be > 1")
	}
	if c.Governor.HighWatermark <= c.Governor.LowWatermark {
		return fmt.Errorf("governor.high_watermark must exceed governor.low_watermark")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.ClickHouse.Addr == "" {
		return fmt.Errorf("clickhouse.addr is required")
	}
	return nil
}

// MarketplaceTimeout converts the client timeout to a duration.
func (c Config) MarketplaceTimeout() time.Duration {
	return time.Duration(c.Marketplace.TimeoutSeconds) * time.Second
}

// HarvestInterval is the pause between standing collection sweeps.
func (c Config) HarvestInterval() time.Duration {
	return time.Duration(c.Harvest.IntervalSeconds) * time.Second
}

// SyncInterval is the pause between sync iterations.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// CacheTTL is the point-read cache lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Router.CacheTTLSeconds) * time.Second
}

// SlowThreshold is the routed-query warn threshold.
func (c Config) SlowThreshold() time.Duration {
	return time.Duration(c.Router.SlowThresholdMs) * time.Millisecond
}
