// Package aggregator builds fixed-grid time-bucketed records out of the
// raw trade and book-tick streams: 5-second OHLCV trade buckets (this
// file) and the 1.5-second microstructure window (window.go).
//
// AggTradeAggregator is a direct port of original_source's
// feeds/exchanges/binance/adapter.py _AggTradeBucket/AggTradeAggregator —
// same window alignment, same late-trade rule, same flush/catch-up-cap
// bookkeeping — translated from its asyncio single-writer assumption to
// a Go type used under the owning shard's single goroutine (no locking
// needed here; callers serialize access the way the Python event loop
// serialized coroutine calls).
package aggregator

import (
	"marketdata-ingestor/internal/clock"
	"marketdata-ingestor/internal/events"

	"github.com/shopspring/decimal"
)

type aggTradeBucket struct {
	windowStartNs int64
	open          decimal.Decimal
	high          decimal.Decimal
	low           decimal.Decimal
	close         decimal.Decimal
	volume        decimal.Decimal
	notional      decimal.Decimal
	tradeCount    int64
	buyQty        decimal.Decimal
	sellQty       decimal.Decimal
	buyNotional   decimal.Decimal
	sellNotional  decimal.Decimal
	firstTradeID  string
	lastTradeID   string
	lastRecvNs    int64
}

func newAggTradeBucket(windowStartNs int64, price, qty, notional decimal.Decimal, tradeID string, isSell bool, tsRecvNs int64) *aggTradeBucket {
	b := &aggTradeBucket{
		windowStartNs: windowStartNs,
		open:          price,
		high:          price,
		low:           price,
		close:         price,
		volume:        qty,
		notional:      notional,
		tradeCount:    1,
		buyQty:        decimal.Zero,
		sellQty:       decimal.Zero,
		buyNotional:   decimal.Zero,
		sellNotional:  decimal.Zero,
		firstTradeID:  tradeID,
		lastTradeID:   tradeID,
		lastRecvNs:    tsRecvNs,
	}
	if isSell {
		b.sellQty = qty
		b.sellNotional = notional
	} else {
		b.buyQty = qty
		b.buyNotional = notional
	}
	return b
}

func (b *aggTradeBucket) update(price, qty, notional decimal.Decimal, tradeID string, isSell bool, tsRecvNs int64) {
	if price.GreaterThan(b.high) {
		b.high = price
	}
	if price.LessThan(b.low) {
		b.low = price
	}
	b.close = price
	b.volume = b.volume.Add(qty)
	b.notional = b.notional.Add(notional)
	b.tradeCount++
	if isSell {
		b.sellQty = b.sellQty.Add(qty)
		b.sellNotional = b.sellNotional.Add(notional)
	} else {
		b.buyQty = b.buyQty.Add(qty)
		b.buyNotional = b.buyNotional.Add(notional)
	}
	if tradeID != "" {
		b.lastTradeID = tradeID
	}
	b.lastRecvNs = tsRecvNs
}

// AggTradeAggregator accumulates raw trades into 5-second (or configured
// interval) OHLCV buckets, one per symbol, and emits them on window
// rollover plus on a periodic flush call that also back-fills empty
// windows up to a capped catch-up depth.
type AggTradeAggregator struct {
	intervalS         int
	intervalNs        int64
	symbols           []string
	buckets           map[string]*aggTradeBucket
	lastEmitted       map[string]int64
	hasLastFlush      bool
	lastFlushWindow   int64
	maxCatchupWindows int
	lateGraceNs       int64

	catchupCaps    int64
	catchupSkipped int64
	lateTrades     int64
}

// NewAggTradeAggregator builds an aggregator for the given symbol set.
// lateGraceS is how long after a window closes a flush will still wait
// before declaring it emittable, absorbing network jitter.
func NewAggTradeAggregator(intervalS int, symbols []string, maxCatchupWindows int, lateGraceS int) *AggTradeAggregator {
	lateGrace := int64(lateGraceS) * int64(1_000_000_000)
	if lateGrace < 0 {
		lateGrace = 0
	}
	return &AggTradeAggregator{
		intervalS:         intervalS,
		intervalNs:        int64(intervalS) * int64(1_000_000_000),
		symbols:           symbols,
		buckets:           make(map[string]*aggTradeBucket),
		lastEmitted:       make(map[string]int64),
		maxCatchupWindows: maxCatchupWindows,
		lateGraceNs:       lateGrace,
	}
}

// Update folds one trade into the aggregator. tsEventNs is the
// exchange-stamped trade time; events whose window has already been
// emitted are counted as late and dropped. Returns any event produced
// by a window rollover (the previous bucket closing out because this
// trade belongs to a later window).
func (a *AggTradeAggregator) Update(symbol string, tsEventNs int64, price, qty decimal.Decimal, tradeID string, isSell bool, tsRecvNs int64) []events.AggTrade5s {
	windowStartNs := clock.AlignDown(tsEventNs, a.intervalNs)

	if last, ok := a.lastEmitted[symbol]; ok && windowStartNs <= last {
		a.lateTrades++
		return nil
	}
	if active := a.buckets[symbol]; active != nil && windowStartNs < active.windowStartNs {
		a.lateTrades++
		return nil
	}

	notional := price.Mul(qty)

	var out []events.AggTrade5s
	bucket := a.buckets[symbol]
	if bucket != nil && bucket.windowStartNs != windowStartNs {
		out = append(out, a.emit(symbol, bucket))
		a.lastEmitted[symbol] = bucket.windowStartNs
		bucket = nil
	}
	if bucket == nil {
		bucket = newAggTradeBucket(windowStartNs, price, qty, notional, tradeID, isSell, tsRecvNs)
		a.buckets[symbol] = bucket
	} else {
		bucket.update(price, qty, notional, tradeID, isSell, tsRecvNs)
	}
	return out
}

// Flush emits all windows that have become emittable since the last
// flush, given the current time nowNs, back-filling empty windows where
// no trade arrived and capping the number of windows emitted in one
// call at maxCatchupWindows (tracking how many windows were skipped).
func (a *AggTradeAggregator) Flush(nowNs int64) []events.AggTrade5s {
	watermarkNs := nowNs - a.lateGraceNs
	if watermarkNs <= 0 {
		return nil
	}
	lastEmittableWindow := (watermarkNs/a.intervalNs - 1) * a.intervalNs
	if lastEmittableWindow < 0 {
		return nil
	}
	if a.hasLastFlush && lastEmittableWindow <= a.lastFlushWindow {
		return nil
	}
	a.hasLastFlush = true
	a.lastFlushWindow = lastEmittableWindow

	var out []events.AggTrade5s
	for _, symbol := range a.symbols {
		lastEmitted, ok := a.lastEmitted[symbol]
		if !ok {
			lastEmitted = lastEmittableWindow - a.intervalNs
			if b := a.buckets[symbol]; b != nil && b.windowStartNs <= lastEmittableWindow {
				lastEmitted = b.windowStartNs - a.intervalNs
			}
		}
		nextWindow := lastEmitted + a.intervalNs
		emittedWindows := 0
		for nextWindow <= lastEmittableWindow {
			bucket := a.buckets[symbol]
			if bucket != nil && bucket.windowStartNs == nextWindow {
				out = append(out, a.emit(symbol, bucket))
				delete(a.buckets, symbol)
			} else {
				out = append(out, a.emitEmpty(symbol, nextWindow, nowNs))
			}
			a.lastEmitted[symbol] = nextWindow
			emittedWindows++
			if a.maxCatchupWindows > 0 && emittedWindows >= a.maxCatchupWindows {
				remaining := (lastEmittableWindow - nextWindow) / a.intervalNs
				if remaining > 0 {
					a.catchupCaps++
					a.catchupSkipped += remaining
				}
				break
			}
			nextWindow += a.intervalNs
		}
	}
	return out
}

func (a *AggTradeAggregator) emit(symbol string, b *aggTradeBucket) events.AggTrade5s {
	windowEndNs := clock.WindowEnd(b.windowStartNs, a.intervalNs)
	return events.AggTrade5s{
		Header: events.Header{
			Instrument: symbol,
			Chan:       events.ChannelAggTrades5s,
			TsEventNs:  windowEndNs,
			TsRecvNs:   b.lastRecvNs,
		},
		IntervalS:     a.intervalS,
		WindowStartNs: b.windowStartNs,
		Open:          b.open,
		High:          b.high,
		Low:           b.low,
		Close:         b.close,
		Volume:        b.volume,
		Notional:      b.notional,
		TradeCount:    b.tradeCount,
		BuyQty:        b.buyQty,
		SellQty:       b.sellQty,
		BuyNotional:   b.buyNotional,
		SellNotional:  b.sellNotional,
		FirstTradeID:  b.firstTradeID,
		LastTradeID:   b.lastTradeID,
	}
}

func (a *AggTradeAggregator) emitEmpty(symbol string, windowStartNs, nowNs int64) events.AggTrade5s {
	windowEndNs := clock.WindowEnd(windowStartNs, a.intervalNs)
	return events.AggTrade5s{
		Header: events.Header{
			Instrument: symbol,
			Chan:       events.ChannelAggTrades5s,
			TsEventNs:  windowEndNs,
			TsRecvNs:   nowNs,
		},
		IntervalS:     a.intervalS,
		WindowStartNs: windowStartNs,
		Open:          decimal.Zero,
		High:          decimal.Zero,
		Low:           decimal.Zero,
		Close:         decimal.Zero,
		Volume:        decimal.Zero,
		Notional:      decimal.Zero,
		TradeCount:    0,
		BuyQty:        decimal.Zero,
		SellQty:       decimal.Zero,
		BuyNotional:   decimal.Zero,
		SellNotional:  decimal.Zero,
	}
}

// PopCatchupStats returns and resets the catch-up cap counters.
func (a *AggTradeAggregator) PopCatchupStats() (caps, skipped int64) {
	caps, skipped = a.catchupCaps, a.catchupSkipped
	a.catchupCaps, a.catchupSkipped = 0, 0
	return
}

// PopLateStats returns and resets the late-trade counter.
func (a *AggTradeAggregator) PopLateStats() int64 {
	late := a.lateTrades
	a.lateTrades = 0
	return late
}
