// Package metrics computes the AdvancedMetrics record from the raw
// inputs accumulated by internal/aggregator and internal/orderbook over
// one microstructure window (spec.md §4.4). Every ratio is guarded
// (most through xdecimal.GuardedDiv, per-second rates through a
// WindowSeconds > 0 check) so a thin or one-sided book degrades to a
// zero or missing metric value plus a flag rather than a panic or an
// infinity.
package metrics

import (
	"math"

	"marketdata-ingestor/internal/aggregator"
	"marketdata-ingestor/internal/xdecimal"

	"github.com/shopspring/decimal"
)

// Inputs bundles everything one window's AdvancedMetrics computation
// needs. Fields left at their zero value are treated as missing by the
// Flags mechanism below.
type Inputs struct {
	BestBid, BestAsk             decimal.Decimal
	BidQty, AskQty               decimal.Decimal
	HaveBook                     bool

	Micro                        aggregator.MicroWindowResult
	HaveMicro                    bool
	WindowSeconds                float64

	Bid5, Ask5 []decimal.Decimal // price levels 0..4, for slope/curvature
	BidQty5, AskQty5 []decimal.Decimal

	RVVariance3s                  float64
	RVEwma1m, RVEwma5m, RVEwma15m float64
	HaveRV                        bool

	Parkinson1m float64
	HaveParkinson bool

	TradeRateHz  float64
	BurstScore   float64
	HaveTradeRate bool

	CumulativeVolumeDelta decimal.Decimal // running buy_qty - sell_qty

	SignedVolume decimal.Decimal // sum(sign(trade) * qty) this window, for VPIN/Kyle lambda
	TotalVolume  decimal.Decimal
	PriceChange  decimal.Decimal // close - open this window, for Kyle lambda / Amihud

	EffectiveSpreadNotional decimal.Decimal // sum side_sign * (fill_px - mid) * qty
	EffectiveSpreadQty      decimal.Decimal

	TakerBuyVol  decimal.Decimal // this window's taker buy volume, for qdt_ask_s
	TakerSellVol decimal.Decimal // this window's taker sell volume, for qdt_bid_s

	MarkPrice  decimal.Decimal
	IndexPrice decimal.Decimal
	HaveIndex  bool
	PrevBasisBps decimal.Decimal
	HaveBasis    bool

	SpreadZScore    float64
	HaveSpreadZScore bool
}

// Compute derives the full AdvancedMetrics value map and the flags for
// any input that was missing this window. Keys follow spec.md §4.4's
// metric table verbatim.
func Compute(in Inputs) (map[string]decimal.Decimal, map[string]string) {
	m := make(map[string]decimal.Decimal)
	flags := make(map[string]string)

	mid := xdecimal.Mid(in.BestBid, in.BestAsk)
	spread := in.BestAsk.Sub(in.BestBid)

	if in.HaveBook {
		m["spread_px"] = spread
		m["spread_bps"] = xdecimal.BpsOf(spread, mid)
		m["mid_px"] = mid
	} else {
		flags["mid_px"] = "missing_book"
	}

	if in.HaveMicro {
		m["ofi_sum"] = in.Micro.OFISum
		m["microprice_edge_bps"] = in.Micro.MicropriceEdgeBps
		if in.WindowSeconds > 0 {
			m["l1_jump_rate"] = decimal.NewFromFloat(float64(in.Micro.L1Jumps) / in.WindowSeconds)
			m["replenishment_rate"] = decimal.NewFromFloat(float64(in.Micro.Replenishments) / in.WindowSeconds)
		}
	} else {
		flags["ofi_sum"] = "missing_micro_window"
	}

	bidSlope, bidCurve := slopeCurvature(in.Bid5, in.BidQty5)
	askSlope, askCurve := slopeCurvature(in.Ask5, in.AskQty5)
	if len(in.Bid5) >= 3 {
		m["book_slope_bid"] = decimal.NewFromFloat(bidSlope)
		m["book_curvature_bid"] = decimal.NewFromFloat(bidCurve)
	} else {
		flags["book_slope_bid"] = "insufficient_depth"
	}
	if len(in.Ask5) >= 3 {
		m["book_slope_ask"] = decimal.NewFromFloat(askSlope)
		m["book_curvature_ask"] = decimal.NewFromFloat(askCurve)
	} else {
		flags["book_slope_ask"] = "insufficient_depth"
	}

	if in.HaveRV {
		m["rv_3s"] = decimal.NewFromFloat(math.Sqrt(in.RVVariance3s))
		m["rv_ewma_1m"] = decimal.NewFromFloat(math.Sqrt(in.RVEwma1m))
		m["rv_ewma_5m"] = decimal.NewFromFloat(math.Sqrt(in.RVEwma5m))
		m["rv_ewma_15m"] = decimal.NewFromFloat(math.Sqrt(in.RVEwma15m))
	} else {
		flags["rv_3s"] = "missing_price_samples"
	}

	if in.HaveParkinson {
		m["parkinson_1m"] = decimal.NewFromFloat(in.Parkinson1m)
	} else {
		flags["parkinson_1m"] = "window_not_closed"
	}

	if in.HaveTradeRate {
		m["trade_rate_hz"] = decimal.NewFromFloat(in.TradeRateHz)
		m["burst_score"] = decimal.NewFromFloat(in.BurstScore)
	} else {
		flags["trade_rate_hz"] = "missing_trades"
	}

	m["cvd_cum"] = in.CumulativeVolumeDelta

	if xdecimal.IsPositive(in.TotalVolume) {
		vpin := xdecimal.GuardedDiv(in.SignedVolume.Abs(), in.TotalVolume)
		m["vpin"] = vpin
	} else {
		flags["vpin"] = "missing_volume"
	}

	if xdecimal.IsPositive(in.TotalVolume) {
		m["kyle_lambda"] = xdecimal.GuardedDiv(in.PriceChange, in.SignedVolume)
		m["amihud_illiq"] = xdecimal.GuardedDiv(in.PriceChange.Abs(), in.TotalVolume)
	} else {
		flags["kyle_lambda"] = "missing_volume"
		flags["amihud_illiq"] = "missing_volume"
	}

	if xdecimal.IsPositive(in.EffectiveSpreadQty) {
		avgFillDist := xdecimal.GuardedDiv(in.EffectiveSpreadNotional, in.EffectiveSpreadQty)
		m["effective_spread_bps"] = xdecimal.BpsOf(avgFillDist.Mul(decimal.NewFromInt(2)), mid)
	} else {
		flags["effective_spread_bps"] = "missing_fills"
	}

	if xdecimal.IsPositive(in.BidQty) && xdecimal.IsPositive(in.TakerSellVol) && in.WindowSeconds > 0 {
		sellRate := in.TakerSellVol.Div(decimal.NewFromFloat(in.WindowSeconds))
		m["qdt_bid_s"] = xdecimal.GuardedDiv(in.BidQty, sellRate)
	} else {
		flags["qdt_bid_s"] = "not_observed"
	}
	if xdecimal.IsPositive(in.AskQty) && xdecimal.IsPositive(in.TakerBuyVol) && in.WindowSeconds > 0 {
		buyRate := in.TakerBuyVol.Div(decimal.NewFromFloat(in.WindowSeconds))
		m["qdt_ask_s"] = xdecimal.GuardedDiv(in.AskQty, buyRate)
	} else {
		flags["qdt_ask_s"] = "not_observed"
	}

	if len(in.BidQty5) >= 2 {
		m["ob_entropy_bid"] = decimal.NewFromFloat(entropy(in.BidQty5))
	} else {
		flags["ob_entropy_bid"] = "insufficient_depth"
	}
	if len(in.AskQty5) >= 2 {
		m["ob_entropy_ask"] = decimal.NewFromFloat(entropy(in.AskQty5))
	} else {
		flags["ob_entropy_ask"] = "insufficient_depth"
	}

	if in.HaveIndex && in.HaveBook && xdecimal.IsPositive(in.IndexPrice) {
		basisBps := xdecimal.BpsOf(mid.Sub(in.IndexPrice), in.IndexPrice)
		m["index_basis_bps"] = basisBps
		if in.HaveBasis {
			m["basis_drift_bps"] = basisBps.Sub(in.PrevBasisBps)
		} else {
			flags["basis_drift_bps"] = "missing_prior_basis"
		}
	} else {
		flags["index_basis_bps"] = "missing_index_price"
		flags["basis_drift_bps"] = "missing_index_price"
	}

	if in.HaveSpreadZScore {
		m["spread_regime"] = spreadRegime(in.SpreadZScore)
	} else {
		flags["spread_regime"] = "insufficient_history"
	}

	return m, flags
}

// slopeCurvature fits an OLS slope of price against cumulative
// quantity across the given levels (touch first), and reports
// curvature as the slope over the first half of the levels minus the
// slope over the second half.
func slopeCurvature(prices, qtys []decimal.Decimal) (slope, curvature float64) {
	n := len(prices)
	if n < 2 || len(qtys) < n {
		return 0, 0
	}
	xs := make([]float64, n)
	ys := make([]float64, n)
	var cum float64
	for i := 0; i < n; i++ {
		q, _ := qtys[i].Float64()
		cum += q
		xs[i] = cum
		ys[i], _ = prices[i].Float64()
	}
	slope = linearSlope(xs, ys)
	if n >= 3 {
		half := n / 2
		curvature = linearSlope(xs[:half], ys[:half]) - linearSlope(xs[half:], ys[half:])
	}
	return
}

func linearSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func secondDifference(ys []float64) float64 {
	mid := len(ys) / 2
	if mid == 0 || mid >= len(ys)-1 {
		return 0
	}
	return ys[mid-1] - 2*ys[mid] + ys[mid+1]
}

// entropy computes the Shannon entropy (nats) of the normalized
// quantity distribution across depth levels — a flatter book (more
// evenly spread liquidity) has higher entropy.
func entropy(qtys []decimal.Decimal) float64 {
	total := decimal.Zero
	for _, q := range qtys {
		total = total.Add(q)
	}
	if !xdecimal.IsPositive(total) {
		return 0
	}
	var h float64
	for _, q := range qtys {
		if !xdecimal.IsPositive(q) {
			continue
		}
		p, _ := q.Div(total).Float64()
		h -= p * math.Log(p)
	}
	return h
}

// spreadRegime buckets the current relative-spread z-score into a
// coarse regime label, encoded as a decimal so AdvancedMetrics.Metrics
// stays a single homogeneous map; 0=tight, 1=normal, 2=wide.
func spreadRegime(z float64) decimal.Decimal {
	switch {
	case z < -1:
		return decimal.Zero
	case z > 1:
		return decimal.NewFromInt(2)
	default:
		return decimal.NewFromInt(1)
	}
}
