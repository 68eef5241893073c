package writer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"marketdata-ingestor/internal/events"
)

// kvCommand mirrors original_source's RedisCommand dataclass: either a
// hash-set (last-state cache, TTL'd) or a stream-append (history,
// trimmed by approximate maxlen).
type kvCommand struct {
	kind    string // "hset" or "xadd"
	key     string
	payload map[string]string
	maxlen  int64
	ttl     time.Duration
}

// KVConfig configures the key-value sink.
type KVConfig struct {
	Addr          string
	Namespace     string
	PipelineSize  int
	FlushInterval time.Duration
	StreamMaxLen  int64
	LastStateTTL  time.Duration
}

// KVWriter pipelines hash-set/stream-append commands into a Redis-
// compatible cache, grounded directly on original_source's
// redis_writer.py: same command shapes, same namespacing, same
// size-or-interval flush trigger.
type KVWriter struct {
	cfg    KVConfig
	client *redis.Client
	logger *slog.Logger

	in chan events.Record

	bufMu sync.Mutex
	buf   []kvCommand

	statsMu   sync.Mutex
	flushed   int64
	flushErrs int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const kvInboxSize = 8192

// NewKVWriter builds a KV writer over a go-redis client.
func NewKVWriter(cfg KVConfig, logger *slog.Logger) *KVWriter {
	return &KVWriter{
		cfg:    cfg,
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		logger: logger.With("component", "kv_writer"),
		in:     make(chan events.Record, kvInboxSize),
	}
}

// Name identifies this writer to internal/router.
func (w *KVWriter) Name() string { return "kv" }

// Enqueue hands a record to the writer's buffering goroutine.
func (w *KVWriter) Enqueue(rec events.Record) {
	select {
	case w.in <- rec:
	default:
		w.logger.Warn("kv inbox full, dropping record", "channel", rec.GetHeader().Chan)
	}
}

// Start launches the buffering and periodic-flush goroutines.
func (w *KVWriter) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()
}

// Stop drains and flushes everything buffered, then closes the client.
func (w *KVWriter) Stop() {
	w.cancel()
	w.wg.Wait()
	for drained := false; !drained; {
		select {
		case rec := <-w.in:
			w.bufferCommands(rec)
		default:
			drained = true
		}
	}
	w.flush()
	w.client.Close()
}

func (w *KVWriter) consumeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case rec := <-w.in:
			w.bufferCommands(rec)
		}
	}
}

func (w *KVWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *KVWriter) bufferCommands(rec events.Record) {
	cmds := w.buildCommands(rec)
	if len(cmds) == 0 {
		return
	}

	var toFlush []kvCommand
	w.bufMu.Lock()
	w.buf = append(w.buf, cmds...)
	if len(w.buf) >= w.cfg.PipelineSize {
		toFlush = w.buf
		w.buf = nil
	}
	w.bufMu.Unlock()

	if toFlush != nil {
		w.execute(toFlush)
	}
}

func (w *KVWriter) flush() {
	w.bufMu.Lock()
	toFlush := w.buf
	w.buf = nil
	w.bufMu.Unlock()

	if len(toFlush) > 0 {
		w.execute(toFlush)
	}
}

func (w *KVWriter) execute(cmds []kvCommand) {
	pipe := w.client.Pipeline()
	for _, c := range cmds {
		switch c.kind {
		case "hset":
			pipe.HSet(w.ctx, c.key, c.payload)
			if c.ttl > 0 {
				pipe.Expire(w.ctx, c.key, c.ttl)
			}
		case "xadd":
			pipe.XAdd(w.ctx, &redis.XAddArgs{
				Stream: c.key,
				MaxLen: c.maxlen,
				Approx: true,
				Values: c.payload,
			})
		}
	}

	ctx := w.ctx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	_, err := pipe.Exec(ctx)

	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	if err != nil {
		w.flushErrs++
		w.logger.Warn("kv flush failed", "commands", len(cmds), "error", err)
		return
	}
	w.flushed += int64(len(cmds))
}

// Stats returns a point-in-time snapshot of flush counters.
func (w *KVWriter) Stats() (flushed, errs int64) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.flushed, w.flushErrs
}

func (w *KVWriter) key(parts ...string) string {
	out := w.cfg.Namespace
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (w *KVWriter) buildCommands(rec events.Record) []kvCommand {
	h := rec.GetHeader()

	switch e := rec.(type) {
	case events.Trade:
		payload := map[string]string{
			"ts_event_ns": strconv.FormatInt(h.TsEventNs, 10),
			"ts_recv_ns":  strconv.FormatInt(h.TsRecvNs, 10),
			"px":          e.Price.String(),
			"qty":         e.Qty.String(),
			"side":        string(e.Side),
		}
		if e.TradeID != "" {
			payload["trade_id"] = e.TradeID
		}
		payload["is_aggressor"] = boolStr(e.IsAggressor)
		return []kvCommand{{
			kind:    "xadd",
			key:     w.key("stream", "trades", h.Instrument),
			payload: payload,
			maxlen:  w.cfg.StreamMaxLen,
		}}

	case events.DepthSnapshot:
		prefix, ok := depthPrefix(e.Depth)
		if !ok {
			return nil
		}
		payload := map[string]string{
			"ts_event_ns": strconv.FormatInt(h.TsEventNs, 10),
			"ts_recv_ns":  strconv.FormatInt(h.TsRecvNs, 10),
		}
		for i := range e.BidPrices {
			payload[fmt.Sprintf("b%d_px", i+1)] = e.BidPrices[i].String()
			payload[fmt.Sprintf("b%d_sz", i+1)] = e.BidQtys[i].String()
		}
		for i := range e.AskPrices {
			payload[fmt.Sprintf("a%d_px", i+1)] = e.AskPrices[i].String()
			payload[fmt.Sprintf("a%d_sz", i+1)] = e.AskQtys[i].String()
		}
		return []kvCommand{{
			kind:    "hset",
			key:     w.key(prefix, h.Instrument),
			payload: payload,
			ttl:     w.cfg.LastStateTTL,
		}}

	case events.MarkPrice:
		payload := map[string]string{
			"ts_event_ns": strconv.FormatInt(h.TsEventNs, 10),
			"ts_recv_ns":  strconv.FormatInt(h.TsRecvNs, 10),
			"mark_px":     e.Mark.String(),
			"index_px":    e.Index.String(),
		}
		return []kvCommand{{
			kind:    "hset",
			key:     w.key("last:mark", h.Instrument),
			payload: payload,
			ttl:     w.cfg.LastStateTTL,
		}}

	case events.Funding:
		payload := map[string]string{
			"ts_event_ns":        strconv.FormatInt(h.TsEventNs, 10),
			"ts_recv_ns":         strconv.FormatInt(h.TsRecvNs, 10),
			"funding_rate":       e.Rate.String(),
			"next_funding_ts_ns": strconv.FormatInt(e.NextFundingTsNs, 10),
		}
		return []kvCommand{{
			kind:    "hset",
			key:     w.key("last:funding", h.Instrument),
			payload: payload,
			ttl:     w.cfg.LastStateTTL,
		}}

	case events.AdvancedMetrics:
		payload := map[string]string{
			"ts_event_ns": strconv.FormatInt(h.TsEventNs, 10),
			"ts_recv_ns":  strconv.FormatInt(h.TsRecvNs, 10),
		}
		for name, value := range e.Metrics {
			payload[name] = value.String()
		}
		return []kvCommand{{
			kind:    "hset",
			key:     w.key("last:adv", h.Instrument),
			payload: payload,
			ttl:     w.cfg.LastStateTTL,
		}}

	case events.Liquidation:
		payload := map[string]string{
			"ts_event_ns": strconv.FormatInt(h.TsEventNs, 10),
			"ts_recv_ns":  strconv.FormatInt(h.TsRecvNs, 10),
			"side":        string(e.Side),
			"px":          e.Price.String(),
			"qty":         e.Qty.String(),
		}
		if e.OrderID != "" {
			payload["order_id"] = e.OrderID
		}
		if e.Reason != "" {
			payload["reason"] = e.Reason
		}
		return []kvCommand{{
			kind:    "xadd",
			key:     w.key("stream", "liquidations", h.Instrument),
			payload: payload,
			maxlen:  w.cfg.StreamMaxLen,
		}}

	default:
		return nil
	}
}

func depthPrefix(depth int) (string, bool) {
	switch depth {
	case 1:
		return "last:l1", true
	case 5:
		return "last:top5", true
	case 10:
		return "last:top10", true
	case 20:
		return "last:top20", true
	case 50:
		return "last:top50", true
	case 100:
		return "last:top100", true
	default:
		return "", false
	}
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
