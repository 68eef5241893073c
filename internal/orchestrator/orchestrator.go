// Package orchestrator wires configuration into running shards, a
// router, writers, and the REST scheduler, and owns the process
// lifecycle. Generalizes the teacher's internal/engine/engine.go
// New/Start/Stop/Stats shape — wg/ctx/cancel lifecycle, component
// construction in New, goroutines launched from Start, graceful
// teardown in Stop — from market-maker slot management to shard/writer
// management, and from original_source/feeds/orchestrator.py's
// _collect_required_targets/_init_writers/_init_feeds sequencing.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketdata-ingestor/internal/config"
	"marketdata-ingestor/internal/events"
	"marketdata-ingestor/internal/marketrest"
	"marketdata-ingestor/internal/restscheduler"
	"marketdata-ingestor/internal/router"
	"marketdata-ingestor/internal/shard"
	"marketdata-ingestor/internal/writer"
)

// restSchedulerStartDelay mirrors spec.md §4.9: the REST scheduler
// starts after shards have had time to reach steady state, so resync
// traffic doesn't compete with it for rate-limit budget during
// bootstrap.
const restSchedulerStartDelay = 8 * time.Second

// shardStaggerDefault is used when config doesn't set one explicitly.
const shardStaggerDefault = 200 * time.Millisecond

// Orchestrator owns every running component of the ingestion pipeline.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	router   *router.Router
	columnar *writer.ColumnarWriter
	kv       *writer.KVWriter
	client   *marketrest.Client
	rest     *restscheduler.Scheduler
	shards   []*shard.Shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component from cfg but does not start any
// goroutines. Only the sinks enabled in cfg are constructed, and each
// is bound to every channel not explicitly disabled in
// cfg.Channels.Enabled.
func New(cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	logger = logger.With("component", "orchestrator")
	rtr := router.New()

	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		router: rtr,
	}

	if cfg.Columnar.Enabled {
		o.columnar = writer.NewColumnarWriter(writer.ColumnarConfig{
			BaseURL:          cfg.Columnar.BaseURL,
			Database:         cfg.Columnar.Database,
			BatchRows:        cfg.Columnar.BatchRows,
			FlushInterval:    cfg.Columnar.FlushInterval(),
			FlushConcurrency: cfg.Columnar.FlushConcurrency,
		}, logger)
		bindAll(rtr, o.columnar, cfg.Channels.Enabled)
	}

	if cfg.KV.Enabled {
		o.kv = writer.NewKVWriter(writer.KVConfig{
			Addr:          cfg.KV.Addr,
			Namespace:     cfg.KV.Namespace,
			PipelineSize:  cfg.KV.PipelineSize,
			FlushInterval: cfg.KV.FlushInterval(),
			StreamMaxLen:  cfg.KV.StreamMaxLen,
			LastStateTTL:  cfg.KV.LastStateTTL(),
		}, logger)
		bindAll(rtr, o.kv, cfg.Channels.Enabled)
	}

	if o.columnar == nil && o.kv == nil {
		return nil, fmt.Errorf("orchestrator: no sink enabled, nothing to write to")
	}

	o.client = marketrest.NewClient(
		cfg.Exchange.RESTBaseURL,
		float64(cfg.Rest.RateLimitBurst),
		float64(cfg.Rest.RateLimitPerSec),
	)

	o.rest = restscheduler.New(o.client, cfg.Symbols, restscheduler.Config{
		OIInterval:        time.Duration(cfg.Rest.OIIntervalSec) * time.Second,
		OIConcurrency:     int64(cfg.Rest.OIConcurrency),
		LongShortInterval: time.Duration(cfg.Rest.LongShortIntervalSec) * time.Second,
		LongShortBuckets:  cfg.Rest.LongShortBuckets,
	}, logger)

	o.shards = buildShards(cfg, o.client, o.rest, rtr, logger)

	return o, nil
}

// bindAll registers w against every channel whose config entry is
// either enabled (true) or simply absent (defaulting to "on").
func bindAll(rtr *router.Router, w router.Writer, enabled map[string]bool) {
	for _, ch := range allChannels() {
		if v, ok := enabled[string(ch)]; ok && !v {
			continue
		}
		rtr.Bind(ch, w)
	}
}

func allChannels() []events.Channel {
	return []events.Channel{
		events.ChannelTrades, events.ChannelAggTrades5s, events.ChannelL1,
		events.ChannelOBTop5, events.ChannelOBTop20, events.ChannelOBDiff,
		events.ChannelLiquidations, events.ChannelKlines, events.ChannelMarkPrice,
		events.ChannelFunding, events.ChannelAdvancedMetrics,
	}
}

// buildShards partitions cfg.Symbols into groups of at most
// SYMBOLS_PER_SHARD and constructs one shard.Shard per group.
func buildShards(cfg config.Config, client *marketrest.Client, rest *restscheduler.Scheduler, rtr *router.Router, logger *slog.Logger) []*shard.Shard {
	perShard := cfg.Shard.SymbolsPerShard
	if perShard <= 0 {
		perShard = 30
	}

	var shards []*shard.Shard
	for i := 0; i < len(cfg.Symbols); i += perShard {
		end := i + perShard
		if end > len(cfg.Symbols) {
			end = len(cfg.Symbols)
		}
		group := cfg.Symbols[i:end]

		sc := shard.Config{
			Symbols:           group,
			Top20Period:       time.Duration(cfg.Depth.Top20SnapshotMs) * time.Millisecond,
			L1Period:          time.Duration(cfg.Depth.L1SampleMs) * time.Millisecond,
			RestCooldown:      time.Duration(cfg.Depth.RestCooldownSec) * time.Second,
			RestRetryMax:      cfg.Depth.RestRetryMax,
			QueueMax:          cfg.Trades.AggTradeQueueMax,
			IntervalS:         cfg.Trades.IntervalS,
			MaxCatchupWindows: cfg.Trades.AggTradeMaxCatchupWindows,
			LateGraceS:        cfg.Trades.AggTradeLateGraceS,
		}
		shards = append(shards, shard.New(len(shards), cfg.Exchange.WSBaseURL, sc, client, rest, rtr, logger))
	}
	return shards
}

// Start opens writers, starts shards (staggered), then delays before
// starting the REST scheduler so shards reach steady state first.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	if o.columnar != nil {
		if err := o.columnar.EnsureSchema(o.ctx); err != nil {
			return fmt.Errorf("ensure columnar schema: %w", err)
		}
		o.columnar.Start(o.ctx)
	}
	if o.kv != nil {
		o.kv.Start(o.ctx)
	}

	stagger := o.cfg.Shard.StaggerStart
	if stagger <= 0 {
		stagger = shardStaggerDefault
	}
	for i, sh := range o.shards {
		sh := sh
		delay := time.Duration(i) * stagger
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			select {
			case <-o.ctx.Done():
				return
			case <-time.After(delay):
			}
			sh.Start(o.ctx)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-o.ctx.Done():
			return
		case <-time.After(restSchedulerStartDelay):
		}
		o.rest.Start(o.ctx)
	}()

	o.logger.Info("orchestrator started", "shards", len(o.shards), "symbols", len(o.cfg.Symbols))
	return nil
}

// Stop cancels shards and the REST scheduler, then stops writers last
// so pending buffers get a final flush.
func (o *Orchestrator) Stop() {
	o.logger.Info("shutting down")

	o.cancel()
	for _, sh := range o.shards {
		sh.Stop()
	}
	o.rest.Stop()
	o.wg.Wait()

	if o.columnar != nil {
		o.columnar.Stop()
	}
	if o.kv != nil {
		o.kv.Stop()
	}

	o.logger.Info("shutdown complete")
}

// Stats aggregates counters across every shard and writer.
type Stats struct {
	Shards          []shard.Stats
	PublishedByChan map[events.Channel]int64
	ColumnarRows    map[string]int64
	ColumnarFlushed map[string]int64
	ColumnarErrors  int64
	KVFlushed       int64
	KVErrors        int64
}

// Stats returns a point-in-time snapshot of every component's counters.
func (o *Orchestrator) Stats() Stats {
	s := Stats{PublishedByChan: o.router.PublishedByChannel()}
	for _, sh := range o.shards {
		s.Shards = append(s.Shards, sh.Stats())
	}
	if o.columnar != nil {
		cs := o.columnar.Stats()
		s.ColumnarRows = cs.RowsByTable
		s.ColumnarFlushed = cs.FlushedByTable
		s.ColumnarErrors = cs.FlushErrors
	}
	if o.kv != nil {
		s.KVFlushed, s.KVErrors = o.kv.Stats()
	}
	return s
}
