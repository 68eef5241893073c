package aggregator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAggTradeAggregatorBasicOHLC(t *testing.T) {
	a := NewAggTradeAggregator(5, []string{"BTCUSDT"}, 0, 0)

	const ns = int64(1_000_000_000)
	out := a.Update("BTCUSDT", 0, dec("100"), dec("1"), "1", false, 0)
	if len(out) != 0 {
		t.Fatalf("expected no event on first trade, got %d", len(out))
	}
	a.Update("BTCUSDT", 1*ns, dec("105"), dec("2"), "2", true, 1*ns)
	a.Update("BTCUSDT", 2*ns, dec("95"), dec("1"), "3", false, 2*ns)

	// Trade in the next 5s window rolls the previous bucket over.
	out = a.Update("BTCUSDT", 5*ns, dec("110"), dec("1"), "4", false, 5*ns)
	if len(out) != 1 {
		t.Fatalf("expected 1 rollover event, got %d", len(out))
	}
	ev := out[0]
	if !ev.Open.Equal(dec("100")) || !ev.High.Equal(dec("105")) || !ev.Low.Equal(dec("95")) || !ev.Close.Equal(dec("95")) {
		t.Fatalf("unexpected OHLC: %+v", ev)
	}
	if ev.TradeCount != 3 {
		t.Fatalf("expected trade_count=3, got %d", ev.TradeCount)
	}
	if !ev.Volume.Equal(dec("4")) {
		t.Fatalf("expected volume=4, got %s", ev.Volume)
	}
}

func TestAggTradeAggregatorLateTradeDropped(t *testing.T) {
	a := NewAggTradeAggregator(5, []string{"BTCUSDT"}, 0, 0)
	const ns = int64(1_000_000_000)

	a.Update("BTCUSDT", 0, dec("100"), dec("1"), "1", false, 0)
	a.Update("BTCUSDT", 5*ns, dec("101"), dec("1"), "2", false, 5*ns) // rolls window 0 over

	// A trade stamped back in window 0 after window 0 has already been
	// emitted must be counted as late and dropped.
	out := a.Update("BTCUSDT", 1*ns, dec("102"), dec("1"), "3", false, 6*ns)
	if len(out) != 0 {
		t.Fatalf("expected late trade to produce no event, got %d", len(out))
	}
	if a.PopLateStats() != 1 {
		t.Fatalf("expected 1 late trade recorded")
	}
}

func TestAggTradeAggregatorFlushBackfillsEmptyWindows(t *testing.T) {
	a := NewAggTradeAggregator(5, []string{"BTCUSDT"}, 0, 2)
	const ns = int64(1_000_000_000)

	a.Update("BTCUSDT", 0, dec("100"), dec("1"), "1", false, 0)

	// Flush well past the late-grace window; window 0 emits with the
	// trade, followed by empty back-filled windows at 5s and 10s.
	out := a.Flush(20 * ns)
	if len(out) == 0 {
		t.Fatalf("expected flush to emit at least the first window")
	}
	if !out[0].Open.Equal(dec("100")) {
		t.Fatalf("expected first emitted window to carry the trade, got %+v", out[0])
	}
}

func TestAggTradeAggregatorCatchupCap(t *testing.T) {
	a := NewAggTradeAggregator(5, []string{"BTCUSDT"}, 2, 0)
	const ns = int64(1_000_000_000)

	a.Update("BTCUSDT", 0, dec("100"), dec("1"), "1", false, 0)
	// Jump far enough ahead that many empty windows must be backfilled.
	out := a.Flush(100 * ns)
	if len(out) != 2 {
		t.Fatalf("expected catch-up cap to limit emission to 2 windows, got %d", len(out))
	}
	caps, skipped := a.PopCatchupStats()
	if caps == 0 || skipped == 0 {
		t.Fatalf("expected catch-up cap stats to be recorded, got caps=%d skipped=%d", caps, skipped)
	}
}
