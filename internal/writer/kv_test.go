package writer

import (
	"testing"
	"time"

	"marketdata-ingestor/internal/events"

	"github.com/shopspring/decimal"
)

func newTestKVWriter() *KVWriter {
	return NewKVWriter(KVConfig{
		Addr:         "localhost:6379",
		Namespace:    "marketdata",
		StreamMaxLen: 10000,
		LastStateTTL: 30 * time.Second,
	}, testLogger())
}

func TestBuildCommandsTradeProducesXAdd(t *testing.T) {
	w := newTestKVWriter()
	cmds := w.buildCommands(events.Trade{
		Header: events.Header{Instrument: "BTCUSDT"},
		Price:  decimal.RequireFromString("100"),
		Qty:    decimal.RequireFromString("1"),
		Side:   events.SideSell,
	})
	if len(cmds) != 1 || cmds[0].kind != "xadd" {
		t.Fatalf("expected a single xadd command, got %+v", cmds)
	}
	if cmds[0].key != "marketdata:stream:trades:BTCUSDT" {
		t.Fatalf("unexpected key: %s", cmds[0].key)
	}
}

func TestBuildCommandsDepthSnapshotProducesHSet(t *testing.T) {
	w := newTestKVWriter()
	cmds := w.buildCommands(events.DepthSnapshot{
		Header:    events.Header{Instrument: "BTCUSDT"},
		Depth:     5,
		BidPrices: []decimal.Decimal{decimal.RequireFromString("100")},
		BidQtys:   []decimal.Decimal{decimal.RequireFromString("1")},
	})
	if len(cmds) != 1 || cmds[0].kind != "hset" {
		t.Fatalf("expected a single hset command, got %+v", cmds)
	}
	if cmds[0].key != "marketdata:last:top5:BTCUSDT" {
		t.Fatalf("unexpected key: %s", cmds[0].key)
	}
	if cmds[0].payload["b1_px"] != "100" {
		t.Fatalf("expected b1_px=100, got %v", cmds[0].payload)
	}
}

func TestBuildCommandsUnknownDepthDropped(t *testing.T) {
	w := newTestKVWriter()
	cmds := w.buildCommands(events.DepthSnapshot{
		Header: events.Header{Instrument: "BTCUSDT"},
		Depth:  7,
	})
	if len(cmds) != 0 {
		t.Fatalf("expected no command for an unmapped depth, got %+v", cmds)
	}
}

func TestBufferCommandsFlushesAtPipelineSize(t *testing.T) {
	w := newTestKVWriter()
	w.cfg.PipelineSize = 2

	w.bufferCommands(events.Trade{Header: events.Header{Instrument: "A"}, Price: decimal.Zero, Qty: decimal.Zero})
	w.bufMu.Lock()
	n := len(w.buf)
	w.bufMu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 buffered command before hitting pipeline size, got %d", n)
	}

	// The second command reaches PipelineSize; the buffer is handed to
	// execute and cleared whether or not the pipeline reaches a server.
	w.bufferCommands(events.Trade{Header: events.Header{Instrument: "B"}, Price: decimal.Zero, Qty: decimal.Zero})
	w.bufMu.Lock()
	n = len(w.buf)
	w.bufMu.Unlock()
	if n != 0 {
		t.Fatalf("expected buffer flushed at pipeline size, got %d buffered", n)
	}
}
