package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
exchange:
  name: testvenue
  ws_base_url: wss://stream.testvenue.test
  rest_base_url: https://fapi.testvenue.test
symbols:
  - BTCUSDT
  - ETHUSDT
shard:
  symbols_per_shard: 30
  stagger_start: 200ms
depth:
  top20_snapshot_ms: 100
  l1_sample_ms: 200
  rest_depth_limit: 200
  rest_cooldown_sec: 5
  rest_retry_max: 5
  k_min: 20
trades:
  interval_s: 5
  agg_trade_queue_max: 1000
  agg_trade_max_catchup_windows: 3
  agg_trade_late_grace_s: 2
micro:
  window_ms: 1500
  rv_alpha: 0.1
  trade_rate_alpha: 0.1
  parkinson_grid_ms: 1500
  oi_freshness_sec: 12
rest:
  oi_interval_sec: 60
  oi_concurrency: 4
  long_short_interval_sec: 60
  long_short_buckets: 5
  rate_limit_burst: 20
  rate_limit_per_sec: 10
columnar:
  enabled: true
  base_url: http://localhost:8123
  database: marketdata
  batch_rows: 5000
  flush_interval_ms: 2000
  flush_concurrency: 4
kv:
  enabled: true
  addr: localhost:6379
  namespace: md
  pipeline_size: 200
  flush_interval_ms: 250
  stream_maxlen: 10000
  last_state_ttl_sec: 60
logging:
  level: info
  format: text
stats:
  enabled: true
  port: 9090
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testYAML), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	cfg, err := Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Exchange.Name != "testvenue" {
		t.Fatalf("unexpected exchange name: %s", cfg.Exchange.Name)
	}
	if len(cfg.Symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(cfg.Symbols))
	}
	if cfg.Shard.StaggerStart.Milliseconds() != 200 {
		t.Fatalf("expected 200ms stagger, got %v", cfg.Shard.StaggerStart)
	}
	if cfg.Depth.Top20SnapshotMs != 100 || cfg.Depth.L1SampleMs != 200 {
		t.Fatalf("unexpected depth cadence: %+v", cfg.Depth)
	}
	if cfg.Micro.RVAlpha != 0.1 {
		t.Fatalf("unexpected rv alpha: %v", cfg.Micro.RVAlpha)
	}
	if !cfg.Columnar.Enabled || !cfg.KV.Enabled {
		t.Fatalf("expected both sinks enabled")
	}
	if cfg.Columnar.FlushInterval().Milliseconds() != 2000 {
		t.Fatalf("unexpected columnar flush interval: %v", cfg.Columnar.FlushInterval())
	}
	if cfg.KV.LastStateTTL().Seconds() != 60 {
		t.Fatalf("unexpected kv ttl: %v", cfg.KV.LastStateTTL())
	}
	if !cfg.Stats.Enabled || cfg.Stats.Port != 9090 {
		t.Fatalf("unexpected stats config: %+v", cfg.Stats)
	}
}

func TestLoadReturnsErrorOnMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestEnvOverrideTakesPrecedence(t *testing.T) {
	path := writeTestConfig(t)
	t.Setenv("ING_EXCHANGE_NAME", "overridden")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Exchange.Name != "overridden" {
		t.Fatalf("expected env override to win, got %s", cfg.Exchange.Name)
	}
}

func validConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{WSBaseURL: "wss://x", RESTBaseURL: "https://x"},
		Symbols:  []string{"BTCUSDT"},
		Shard:    ShardConfig{SymbolsPerShard: 30},
		Depth:    DepthConfig{Top20SnapshotMs: 100, L1SampleMs: 200, RestRetryMax: 5},
		Trades:   TradesConfig{IntervalS: 5},
		Micro:    MicroConfig{WindowMs: 1500},
		Columnar: ColumnarConfig{Enabled: true},
	}
}

func TestValidatePassesOnWellFormedConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
}

func TestValidateRejectsMissingSinks(t *testing.T) {
	cfg := validConfig()
	cfg.Columnar.Enabled = false
	cfg.KV.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error when no sink is enabled")
	}
}

func TestValidateRejectsEmptySymbols(t *testing.T) {
	cfg := validConfig()
	cfg.Symbols = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty symbol list")
	}
}

func TestValidateRejectsZeroWindowMs(t *testing.T) {
	cfg := validConfig()
	cfg.Micro.WindowMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for zero micro window")
	}
}
