// Market data ingestor — connects to a venue's public derivatives
// streaming endpoints over many duplex connections, reconstructs
// per-symbol order books from incremental diffs, computes fixed-grid
// microstructure metrics, and flushes both raw and derived records to
// a columnar store and a key-value cache.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the orchestrator, waits for SIGINT/SIGTERM
//	orchestrator/orchestrator.go — wires config → shards → router → writers, owns process lifecycle
//	shard/shard.go             — one duplex connection owning up to SYMBOLS_PER_SHARD symbols
//	orderbook/book.go          — per-symbol order book reconstruction from incremental diffs
//	aggregator/                — 5s OHLCV trade buckets, 1.5s microstructure window, rolling EWMAs
//	metrics/metrics.go         — derives the AdvancedMetrics record from one window's accumulated state
//	router/router.go           — in-process fan-out of records to writers by channel
//	writer/                    — batched columnar bulk writer, pipelined key-value writer
//	restscheduler/             — periodic open-interest and long/short-ratio REST pollers
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"marketdata-ingestor/internal/config"
	"marketdata-ingestor/internal/orchestrator"
	"marketdata-ingestor/internal/statsserver"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ING_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	orch, err := orchestrator.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	logger.Info("market data ingestor started",
		"exchange", cfg.Exchange.Name,
		"symbols", len(cfg.Symbols),
		"symbols_per_shard", cfg.Shard.SymbolsPerShard,
	)

	var stats *statsserver.Server
	if cfg.Stats.Enabled {
		stats = statsserver.New(cfg.Stats.Port, statsProvider{orch}, logger)
		stats.Start()
		logger.Info("stats server listening", "port", cfg.Stats.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if stats != nil {
		if err := stats.Stop(); err != nil {
			logger.Warn("stats server shutdown error", "error", err)
		}
	}
	orch.Stop()
}

// statsProvider adapts orchestrator.Orchestrator to statsserver.Provider.
type statsProvider struct {
	orch *orchestrator.Orchestrator
}

func (p statsProvider) Stats() any {
	return p.orch.Stats()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
