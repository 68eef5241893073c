package aggregator

import (
	"marketdata-ingestor/internal/clock"
	"marketdata-ingestor/internal/xdecimal"

	"github.com/shopspring/decimal"
)

// L1Tick is one best-bid/best-ask observation fed into the
// microstructure window, sampled at the shard's L1 cadence.
type L1Tick struct {
	TsNs    int64
	BidPx   decimal.Decimal
	BidQty  decimal.Decimal
	AskPx   decimal.Decimal
	AskQty  decimal.Decimal
}

// MicroWindow accumulates order-flow-imbalance, microprice drift, L1
// jump, and replenishment statistics over a fixed window (1.5s per
// spec.md §4.3), one instance per instrument. Unlike AggTradeAggregator
// there is no Python original for this window — original_source only
// computed microprice inline inside its depth-event handler — so this
// is grounded on the teacher's running-accumulator-with-Reset pattern
// (internal/market/book.go's mutation-then-read style) generalized to
// the standard Cont-Kukanov-Stoikov OFI decomposition.
type MicroWindow struct {
	windowStartNs int64
	gridNs        int64

	haveLast bool
	lastBidPx, lastBidQty decimal.Decimal
	lastAskPx, lastAskQty decimal.Decimal

	ofiSum decimal.Decimal

	haveFirstMicro bool
	firstMicro     decimal.Decimal
	lastMicro      decimal.Decimal
	lastMid        decimal.Decimal

	l1Jumps         int64
	replenishments  int64
	ticks           int64
}

// NewMicroWindow creates a window aggregator with the given grid width.
func NewMicroWindow(gridNs int64) *MicroWindow {
	return &MicroWindow{gridNs: gridNs, ofiSum: decimal.Zero}
}

// Observe folds one L1 tick into the current window, returning the
// completed window's statistics if this tick rolled the window over
// (ok is false otherwise, meaning the tick was absorbed into the
// still-open window).
func (w *MicroWindow) Observe(tick L1Tick) (MicroWindowResult, bool) {
	windowStartNs := clock.AlignDown(tick.TsNs, w.gridNs)

	var result MicroWindowResult
	var rolled bool
	if w.ticks > 0 && windowStartNs != w.windowStartNs {
		result = w.snapshot()
		rolled = true
		w.resetAccumulators()
	}
	if w.ticks == 0 {
		w.windowStartNs = windowStartNs
	}

	w.accumulate(tick)

	return result, rolled
}

func (w *MicroWindow) accumulate(tick L1Tick) {
	if w.haveLast {
		w.ofiSum = w.ofiSum.Add(orderFlowImbalance(
			w.lastBidPx, w.lastBidQty, tick.BidPx, tick.BidQty,
			w.lastAskPx, w.lastAskQty, tick.AskPx, tick.AskQty,
		))
		if !tick.BidPx.Equal(w.lastBidPx) || !tick.AskPx.Equal(w.lastAskPx) {
			w.l1Jumps++
		}
		if tick.BidQty.GreaterThan(w.lastBidQty) && tick.BidPx.Equal(w.lastBidPx) {
			w.replenishments++
		}
		if tick.AskQty.GreaterThan(w.lastAskQty) && tick.AskPx.Equal(w.lastAskPx) {
			w.replenishments++
		}
	}

	mid := xdecimal.Mid(tick.BidPx, tick.AskPx)
	micro := microprice(tick.BidPx, tick.BidQty, tick.AskPx, tick.AskQty)
	if !w.haveFirstMicro {
		w.firstMicro = micro
		w.haveFirstMicro = true
	}
	w.lastMicro = micro
	w.lastMid = mid

	w.lastBidPx, w.lastBidQty = tick.BidPx, tick.BidQty
	w.lastAskPx, w.lastAskQty = tick.AskPx, tick.AskQty
	w.haveLast = true
	w.ticks++
}

// Flush is called by the shard's fixed-grid window timer rather than
// by a tick arrival: it snapshots whatever has accumulated so far and
// resets for the next window, regardless of whether a tick actually
// landed on the boundary. ok is false when no tick has been observed
// since the last flush (nothing to report).
func (w *MicroWindow) Flush(nowNs int64) (MicroWindowResult, bool) {
	if w.ticks == 0 {
		return MicroWindowResult{WindowStartNs: clock.AlignDown(nowNs, w.gridNs)}, false
	}
	result := w.snapshot()
	w.resetAccumulators()
	w.windowStartNs = clock.AlignDown(nowNs, w.gridNs)
	return result, true
}

func (w *MicroWindow) resetAccumulators() {
	w.ofiSum = decimal.Zero
	w.haveFirstMicro = false
	w.l1Jumps = 0
	w.replenishments = 0
	w.ticks = 0
}

func (w *MicroWindow) snapshot() MicroWindowResult {
	return MicroWindowResult{
		WindowStartNs:      w.windowStartNs,
		OFISum:             w.ofiSum,
		MicropriceEdgeBps:  xdecimal.BpsOf(w.lastMicro.Sub(w.firstMicro), w.lastMid),
		L1Jumps:            w.l1Jumps,
		Replenishments:     w.replenishments,
		Ticks:              w.ticks,
	}
}

// MicroWindowResult is the completed-window output folded into
// AdvancedMetrics by internal/metrics.
type MicroWindowResult struct {
	WindowStartNs     int64
	OFISum            decimal.Decimal
	MicropriceEdgeBps decimal.Decimal
	L1Jumps           int64
	Replenishments    int64
	Ticks             int64
}

// orderFlowImbalance implements the Cont-Kukanov-Stoikov decomposition:
// a price improvement on a side contributes its full new quantity, a
// price level held contributes the quantity delta, and a price
// deterioration contributes the negative of the old quantity.
func orderFlowImbalance(prevBidPx, prevBidQty, bidPx, bidQty, prevAskPx, prevAskQty, askPx, askQty decimal.Decimal) decimal.Decimal {
	var bidFlow decimal.Decimal
	switch {
	case bidPx.GreaterThan(prevBidPx):
		bidFlow = bidQty
	case bidPx.Equal(prevBidPx):
		bidFlow = bidQty.Sub(prevBidQty)
	default:
		bidFlow = prevBidQty.Neg()
	}

	var askFlow decimal.Decimal
	switch {
	case askPx.GreaterThan(prevAskPx):
		askFlow = prevAskQty.Neg()
	case askPx.Equal(prevAskPx):
		askFlow = askQty.Sub(prevAskQty)
	default:
		askFlow = askQty
	}

	return bidFlow.Sub(askFlow)
}

// microprice weights each side's price by the opposite side's resting
// quantity, the standard size-weighted mid used as a leading indicator
// of the next mid-price move.
func microprice(bidPx, bidQty, askPx, askQty decimal.Decimal) decimal.Decimal {
	denom := bidQty.Add(askQty)
	if denom.IsZero() {
		return xdecimal.Mid(bidPx, askPx)
	}
	num := bidQty.Mul(askPx).Add(askQty.Mul(bidPx))
	return num.Div(denom)
}
