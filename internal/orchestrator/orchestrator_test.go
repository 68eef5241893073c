package orchestrator

import (
	"io"
	"log/slog"
	"testing"

	"marketdata-ingestor/internal/config"
	"marketdata-ingestor/internal/events"
	"marketdata-ingestor/internal/marketrest"
	"marketdata-ingestor/internal/restscheduler"
	"marketdata-ingestor/internal/router"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() config.Config {
	return config.Config{
		Exchange: config.ExchangeConfig{Name: "test", WSBaseURL: "wss://x", RESTBaseURL: "https://x"},
		Symbols:  []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		Shard:    config.ShardConfig{SymbolsPerShard: 2},
		Depth:    config.DepthConfig{Top20SnapshotMs: 100, L1SampleMs: 200, RestRetryMax: 5, RestCooldownSec: 5},
		Trades:   config.TradesConfig{IntervalS: 5},
		Micro:    config.MicroConfig{WindowMs: 1500},
		Rest:     config.RestConfig{RateLimitBurst: 10, RateLimitPerSec: 5},
		Columnar: config.ColumnarConfig{Enabled: true, BatchRows: 100, FlushIntervalMs: 1000},
	}
}

func TestNewErrorsWithNoSinkEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Columnar.Enabled = false
	cfg.KV.Enabled = false

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatalf("expected error when neither sink is enabled")
	}
}

func TestNewBuildsOneShardPerSymbolGroup(t *testing.T) {
	o, err := New(baseConfig(), testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	// 3 symbols, 2 per shard -> 2 shards
	if len(o.shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(o.shards))
	}
}

func TestNewOnlyConstructsEnabledSinks(t *testing.T) {
	cfg := baseConfig()
	cfg.KV.Enabled = false

	o, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if o.columnar == nil {
		t.Fatalf("expected columnar writer to be constructed")
	}
	if o.kv != nil {
		t.Fatalf("expected kv writer to stay nil when disabled")
	}
}

func TestBindAllSkipsExplicitlyDisabledChannels(t *testing.T) {
	cfg := baseConfig()
	cfg.Channels.Enabled = map[string]bool{string(events.ChannelOBDiff): false}

	if _, err := New(cfg, testLogger()); err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	w := &recordingWriter{}
	rtr := router.New()
	bindAll(rtr, w, cfg.Channels.Enabled)
	rtr.Publish(events.DepthDiff{Header: events.Header{Instrument: "BTCUSDT", Chan: events.ChannelOBDiff}})
	rtr.Publish(events.Trade{Header: events.Header{Instrument: "BTCUSDT", Chan: events.ChannelTrades}})

	if len(w.received) != 1 || w.received[0].GetHeader().Chan != events.ChannelTrades {
		t.Fatalf("expected only the trades record to reach the writer, got %+v", w.received)
	}
}

type recordingWriter struct {
	received []events.Record
}

func (w *recordingWriter) Name() string { return "recording" }

func (w *recordingWriter) Enqueue(rec events.Record) { w.received = append(w.received, rec) }

func TestBuildShardsPartitionsRemainderIntoFinalShard(t *testing.T) {
	cfg := baseConfig()
	cfg.Symbols = []string{"A", "B", "C", "D", "E"}
	cfg.Shard.SymbolsPerShard = 2

	var client *marketrest.Client
	var rest *restscheduler.Scheduler
	rtr := router.New()

	shards := buildShards(cfg, client, rest, rtr, testLogger())
	if len(shards) != 3 {
		t.Fatalf("expected 3 shards for 5 symbols at 2 per shard, got %d", len(shards))
	}
}
