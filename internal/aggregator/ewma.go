package aggregator

import (
	"math"

	"marketdata-ingestor/internal/clock"

	"github.com/shopspring/decimal"
)

// EWMA is a simple exponentially weighted moving average over float64
// samples, used for the realized-vol and trade-rate-burst rolling
// statistics in spec.md §4.4. Decimal inputs are converted to float64
// here deliberately: these are smoothed statistical features, not
// ledger values, so shopspring/decimal's exactness buys nothing and
// every other metric in this package already reasons in float64 once
// it leaves the raw-price domain.
type EWMA struct {
	alpha     float64
	value     float64
	hasValue  bool
}

// NewEWMA creates an EWMA with smoothing factor alpha in (0, 1]. Larger
// alpha tracks recent samples more closely.
func NewEWMA(alpha float64) *EWMA {
	return &EWMA{alpha: alpha}
}

// Update folds in a new sample and returns the updated average.
func (e *EWMA) Update(sample float64) float64 {
	if !e.hasValue {
		e.value = sample
		e.hasValue = true
		return e.value
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current average without updating it.
func (e *EWMA) Value() float64 {
	return e.value
}

// RealizedVolEWMA tracks a rolling realized-volatility estimate from a
// stream of log returns over a base window (3s per spec), smoothed by
// an outer EWMA to produce the longer-horizon variants spec.md's table
// lists alongside the raw 3s figure.
type RealizedVolEWMA struct {
	lastPrice    decimal.Decimal
	havePrice    bool
	sumSqReturns float64
	sampleCount  int
	ewma         *EWMA
}

// NewRealizedVolEWMA creates a tracker with the given outer smoothing
// factor.
func NewRealizedVolEWMA(alpha float64) *RealizedVolEWMA {
	return &RealizedVolEWMA{ewma: NewEWMA(alpha)}
}

// Observe folds in one mid-price sample.
func (r *RealizedVolEWMA) Observe(price decimal.Decimal) {
	if r.havePrice && r.lastPrice.IsPositive() && price.IsPositive() {
		ret, _ := price.Div(r.lastPrice).Float64()
		logRet := math.Log(ret)
		r.sumSqReturns += logRet * logRet
		r.sampleCount++
	}
	r.lastPrice = price
	r.havePrice = true
}

// FlushWindow closes the base window, feeds its realized variance into
// the outer EWMA, and returns both the raw window figure and the
// smoothed rolling figure. No annualization is applied here or in
// internal/metrics, which reports the square root of these as is.
func (r *RealizedVolEWMA) FlushWindow() (windowVariance, smoothedVariance float64) {
	windowVariance = r.sumSqReturns
	smoothedVariance = r.ewma.Update(windowVariance)
	r.sumSqReturns = 0
	r.sampleCount = 0
	return
}

// TradeRateEWMA tracks trades-per-second and a smoothed baseline used
// to compute the burst_score ratio (current rate / baseline rate).
type TradeRateEWMA struct {
	count    int64
	baseline *EWMA
}

// NewTradeRateEWMA creates a tracker with the given baseline smoothing
// factor (typically slow, e.g. 0.05, so bursts stand out against it).
func NewTradeRateEWMA(alpha float64) *TradeRateEWMA {
	return &TradeRateEWMA{baseline: NewEWMA(alpha)}
}

// OnTrade increments the current window's trade count.
func (t *TradeRateEWMA) OnTrade() {
	t.count++
}

// FlushWindow closes the current window, converts its count to a rate
// given windowSeconds, updates the smoothed baseline, and returns
// (rateHz, burstScore). burstScore is rateHz/baseline, or 0 if the
// baseline is not yet positive.
func (t *TradeRateEWMA) FlushWindow(windowSeconds float64) (rateHz, burstScore float64) {
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	rateHz = float64(t.count) / windowSeconds
	t.count = 0
	baseline := t.baseline.Update(rateHz)
	if baseline > 0 {
		burstScore = rateHz / baseline
	}
	return
}

// RelSpreadEWMA tracks a rolling mean/variance of relative spread (bps)
// so spread_regime (spec.md §4.4) can classify the current spread by
// z-score against its own recent history rather than a fixed threshold.
type RelSpreadEWMA struct {
	alpha    float64
	mean     float64
	variance float64
	hasValue bool
}

// NewRelSpreadEWMA creates a tracker with the given smoothing factor.
func NewRelSpreadEWMA(alpha float64) *RelSpreadEWMA {
	return &RelSpreadEWMA{alpha: alpha}
}

// Update folds in one relative-spread sample (bps) and returns its
// z-score against the mean/variance accumulated before this sample,
// plus whether enough history exists yet to form one.
func (r *RelSpreadEWMA) Update(sampleBps float64) (z float64, ok bool) {
	if !r.hasValue {
		r.mean = sampleBps
		r.hasValue = true
		return 0, false
	}
	delta := sampleBps - r.mean
	if stddev := math.Sqrt(r.variance); stddev > 0 {
		z = delta / stddev
		ok = true
	}
	r.mean += r.alpha * delta
	r.variance = (1 - r.alpha) * (r.variance + r.alpha*delta*delta)
	return z, ok
}

// ParkinsonEstimator accumulates a 1-minute Parkinson high-low range
// volatility estimate from a stream of high/low ticks, per spec.md
// §4.4's parkinson_1m metric. The Parkinson estimator uses only the
// extreme high and low observed during the window, which is more
// efficient than a close-to-close estimator for the same sample count.
type ParkinsonEstimator struct {
	windowStartNs int64
	gridNs        int64
	haveRange     bool
	high, low     decimal.Decimal
}

// NewParkinsonEstimator creates an estimator over the given grid width
// (60s per spec).
func NewParkinsonEstimator(gridNs int64) *ParkinsonEstimator {
	return &ParkinsonEstimator{gridNs: gridNs}
}

// Observe folds in one mid-price sample at tsNs, returning the prior
// window's Parkinson volatility if this sample rolled the window over.
func (p *ParkinsonEstimator) Observe(tsNs int64, mid decimal.Decimal) (float64, bool) {
	windowStart := clock.AlignDown(tsNs, p.gridNs)

	var result float64
	var rolled bool
	if p.haveRange && windowStart != p.windowStartNs {
		result = p.parkinsonValue()
		rolled = true
		p.haveRange = false
	}
	if !p.haveRange {
		p.windowStartNs = windowStart
		p.high = mid
		p.low = mid
		p.haveRange = true
	} else {
		if mid.GreaterThan(p.high) {
			p.high = mid
		}
		if mid.LessThan(p.low) {
			p.low = mid
		}
	}
	return result, rolled
}

func (p *ParkinsonEstimator) parkinsonValue() float64 {
	if p.low.IsZero() || !p.low.IsPositive() {
		return 0
	}
	hi, _ := p.high.Float64()
	lo, _ := p.low.Float64()
	if hi <= 0 || lo <= 0 {
		return 0
	}
	logRange := math.Log(hi / lo)
	const parkinsonConst = 1.0 / (4.0 * math.Ln2)
	return math.Sqrt(parkinsonConst * logRange * logRange)
}
