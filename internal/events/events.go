// Package events defines the closed set of record variants that flow from
// shards through the router to the writers. Every variant embeds Header;
// the router and writers dispatch on Channel via a type switch rather than
// threading a map through the pipeline, mirroring the tagged-variant
// discipline of original_source/feeds/core/events.py translated to Go's
// idiom of a sum type expressed as one struct with an optional-field body
// per channel, or (preferred here, since bodies differ widely in shape) one
// concrete struct per variant implementing the Record interface.
package events

import (
	"github.com/shopspring/decimal"
)

// Channel is the closed enumeration of record kinds this service emits.
type Channel string

const (
	ChannelTrades           Channel = "trades"
	ChannelAggTrades5s      Channel = "agg_trades_5s"
	ChannelL1               Channel = "l1"
	ChannelOBTop5           Channel = "ob_top5"
	ChannelOBTop20          Channel = "ob_top20"
	ChannelOBDiff           Channel = "ob_diff"
	ChannelLiquidations     Channel = "liquidations"
	ChannelKlines           Channel = "klines"
	ChannelMarkPrice        Channel = "mark_price"
	ChannelFunding          Channel = "funding"
	ChannelAdvancedMetrics  Channel = "advanced_metrics"
)

// Side is the aggressor side of a trade or liquidation.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Header is embedded in every Record variant.
type Header struct {
	Instrument string
	Chan       Channel
	TsEventNs  int64
	TsRecvNs   int64
}

// Record is implemented by every variant below. GetHeader lets the router
// and writers dispatch without knowing the concrete body type up front.
type Record interface {
	GetHeader() Header
}

func (h Header) GetHeader() Header { return h }

// Trade is a single executed trade.
type Trade struct {
	Header
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Side        Side
	TradeID     string
	IsAggressor bool
}

// AggTrade5s is a fixed 5-second OHLCV bucket with buy/sell splits.
type AggTrade5s struct {
	Header
	IntervalS     int
	WindowStartNs int64
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
	Notional      decimal.Decimal
	TradeCount    int64
	BuyQty        decimal.Decimal
	SellQty       decimal.Decimal
	BuyNotional   decimal.Decimal
	SellNotional  decimal.Decimal
	FirstTradeID  string
	LastTradeID   string
}

// DepthSnapshot is a full top-N book snapshot (L1, top5, top20, ...).
type DepthSnapshot struct {
	Header
	Depth     int
	BidPrices []decimal.Decimal
	BidQtys   []decimal.Decimal
	AskPrices []decimal.Decimal
	AskQtys   []decimal.Decimal
}

// DepthDiff is an incremental order-book update.
type DepthDiff struct {
	Header
	Sequence     int64
	PrevSequence int64
	Bids         map[string]decimal.Decimal // price string -> qty (0 = delete)
	Asks         map[string]decimal.Decimal
}

// Liquidation is a forced-liquidation fill.
type Liquidation struct {
	Header
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	OrderID string
	Reason  string
}

// Kline is an exchange-native candle.
type Kline struct {
	Header
	Interval   string
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount int64
	IsClosed   bool
}

// MarkPrice is the venue's mark/index price for a perpetual.
type MarkPrice struct {
	Header
	Mark  decimal.Decimal
	Index decimal.Decimal
}

// Funding is a funding-rate update.
type Funding struct {
	Header
	Rate            decimal.Decimal
	NextFundingTsNs int64
}

// AdvancedMetrics carries the full derived-metric family for one window.
type AdvancedMetrics struct {
	Header
	Metrics map[string]decimal.Decimal
	// Flags records which inputs were missing this window (spec §4.4
	// tie-break rule: undefined metric -> 0 value + flagged input).
	Flags map[string]string
}
