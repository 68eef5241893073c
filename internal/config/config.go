// Package config defines all configuration for the ingestor. Config is
// loaded from a YAML file (default: configs/config.yaml) with
// environment variable overrides under the ING_ prefix, following the
// teacher's internal/config/config.go viper-load/Validate shape.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Symbols  []string       `mapstructure:"symbols"`
	Shard    ShardConfig    `mapstructure:"shard"`
	Depth    DepthConfig    `mapstructure:"depth"`
	Trades   TradesConfig   `mapstructure:"trades"`
	Micro    MicroConfig    `mapstructure:"micro"`
	Rest     RestConfig     `mapstructure:"rest"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Columnar ColumnarConfig `mapstructure:"columnar"`
	KV       KVConfig       `mapstructure:"kv"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Stats    StatsConfig    `mapstructure:"stats"`
}

// ExchangeConfig holds the venue's REST/WS base URLs.
type ExchangeConfig struct {
	Name        string `mapstructure:"name"`
	WSBaseURL   string `mapstructure:"ws_base_url"`
	RESTBaseURL string `mapstructure:"rest_base_url"`
}

// ShardConfig controls how symbols are partitioned across websocket
// connections.
type ShardConfig struct {
	SymbolsPerShard int           `mapstructure:"symbols_per_shard"`
	StaggerStart    time.Duration `mapstructure:"stagger_start"`
}

// DepthConfig controls book snapshot cadence and REST resync behavior.
type DepthConfig struct {
	Top20SnapshotMs int `mapstructure:"top20_snapshot_ms"`
	L1SampleMs      int `mapstructure:"l1_sample_ms"`
	RestDepthLimit  int `mapstructure:"rest_depth_limit"`
	RestCooldownSec int `mapstructure:"rest_cooldown_sec"`
	RestRetryMax    int `mapstructure:"rest_retry_max"`
	KMin            int `mapstructure:"k_min"`
}

// TradesConfig controls the 5-second OHLCV aggregator.
type TradesConfig struct {
	IntervalS                 int `mapstructure:"interval_s"`
	AggTradeQueueMax          int `mapstructure:"agg_trade_queue_max"`
	AggTradeMaxCatchupWindows int `mapstructure:"agg_trade_max_catchup_windows"`
	AggTradeLateGraceS        int `mapstructure:"agg_trade_late_grace_s"`
}

// MicroConfig controls the microstructure-window and rolling-stat
// aggregators.
type MicroConfig struct {
	WindowMs        int     `mapstructure:"window_ms"`
	RVAlpha         float64 `mapstructure:"rv_alpha"`
	TradeRateAlpha  float64 `mapstructure:"trade_rate_alpha"`
	ParkinsonGridMs int     `mapstructure:"parkinson_grid_ms"`
	OIFreshnessSec  int     `mapstructure:"oi_freshness_sec"`
}

// RestConfig controls the open-interest and long/short-ratio pollers.
type RestConfig struct {
	OIIntervalSec        int `mapstructure:"oi_interval_sec"`
	OIConcurrency        int `mapstructure:"oi_concurrency"`
	LongShortIntervalSec int `mapstructure:"long_short_interval_sec"`
	LongShortBuckets     int `mapstructure:"long_short_buckets"`
	RateLimitBurst       int `mapstructure:"rate_limit_burst"`
	RateLimitPerSec      int `mapstructure:"rate_limit_per_sec"`
}

// ChannelsConfig toggles which record channels are enabled and routes
// them to sinks.
type ChannelsConfig struct {
	Enabled map[string]bool `mapstructure:"enabled"`
}

// ColumnarConfig configures the columnar bulk-insert sink.
type ColumnarConfig struct {
	Enabled          bool  `mapstructure:"enabled"`
	BaseURL          string `mapstructure:"base_url"`
	Database         string `mapstructure:"database"`
	BatchRows        int   `mapstructure:"batch_rows"`
	FlushIntervalMs  int   `mapstructure:"flush_interval_ms"`
	FlushConcurrency int64 `mapstructure:"flush_concurrency"`
}

// KVConfig configures the Redis-compatible key-value sink.
type KVConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Addr            string `mapstructure:"addr"`
	Namespace       string `mapstructure:"namespace"`
	PipelineSize    int    `mapstructure:"pipeline_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
	StreamMaxLen    int64  `mapstructure:"stream_maxlen"`
	LastStateTTLSec int    `mapstructure:"last_state_ttl_sec"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatsConfig controls the health/stats HTTP endpoint.
type StatsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with ING_-prefixed env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.WSBaseURL == "" {
		return fmt.Errorf("exchange.ws_base_url is required")
	}
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if c.Shard.SymbolsPerShard <= 0 {
		return fmt.Errorf("shard.symbols_per_shard must be > 0")
	}
	if c.Depth.Top20SnapshotMs <= 0 {
		return fmt.Errorf("depth.top20_snapshot_ms must be > 0")
	}
	if c.Depth.L1SampleMs <= 0 {
		return fmt.Errorf("depth.l1_sample_ms must be > 0")
	}
	if c.Depth.RestRetryMax <= 0 {
		return fmt.Errorf("depth.rest_retry_max must be > 0")
	}
	if c.Trades.IntervalS <= 0 {
		return fmt.Errorf("trades.interval_s must be > 0")
	}
	if c.Micro.WindowMs <= 0 {
		return fmt.Errorf("micro.window_ms must be > 0")
	}
	if !c.Columnar.Enabled && !c.KV.Enabled {
		return fmt.Errorf("at least one sink (columnar or kv) must be enabled")
	}
	return nil
}

// FlushInterval returns the columnar flush interval as a Duration.
func (c ColumnarConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// FlushInterval returns the KV flush interval as a Duration.
func (c KVConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// LastStateTTL returns the KV last-state TTL as a Duration.
func (c KVConfig) LastStateTTL() time.Duration {
	return time.Duration(c.LastStateTTLSec) * time.Second
}
