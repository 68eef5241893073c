// Package shard implements one duplex websocket connection owning a
// bounded set of symbols. Generalizes the teacher's
// internal/exchange/ws.go connection lifecycle (dial, ping loop, read
// deadline, exponential-backoff reconnect) from Polymarket's
// book/price_change/trade/order channel set to the venue's
// depth-diff/trade/markPrice/kline/liquidation channel set, and adds
// the fixed-grid timers (top-20 snapshot, L1 sample, 1.5s aggregation
// flush) spec.md §4.6 requires, which the teacher's market-maker never
// needed since it only consumed book state, never emitted derived
// records on a grid.
package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketdata-ingestor/internal/aggregator"
	"marketdata-ingestor/internal/clock"
	"marketdata-ingestor/internal/events"
	"marketdata-ingestor/internal/marketrest"
	"marketdata-ingestor/internal/metrics"
	"marketdata-ingestor/internal/orderbook"
	"marketdata-ingestor/internal/restscheduler"
	"marketdata-ingestor/internal/router"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	reconnectBackoffBase = 3 * time.Second

	microWindowNs  = int64(1500 * time.Millisecond)
	kMin           = 20
	restDepthLimit = 200
	maxBootstrapJitterMs = 250

	indexFreshnessNs = int64(5 * time.Second)
)

// symbolState is the per-symbol bundle a shard owns exclusively: book,
// window aggregator, rolling stats, and the flags spec.md's SymbolState
// tracks for the current window.
type symbolState struct {
	mu sync.Mutex

	book  *orderbook.Book
	micro *aggregator.MicroWindow

	rv        *aggregator.RealizedVolEWMA
	rvEwma1m  *aggregator.EWMA
	rvEwma5m  *aggregator.EWMA
	rvEwma15m *aggregator.EWMA
	tradeRate *aggregator.TradeRateEWMA
	parkinson *aggregator.ParkinsonEstimator
	spreadZ   *aggregator.RelSpreadEWMA

	cumulativeDelta decimal.Decimal
	prevBasisBps    decimal.Decimal
	haveBasis       bool

	prevClose decimal.Decimal
	lastMark  decimal.Decimal
	lastIndex decimal.Decimal
	haveMark  bool

	windowSignedVolume decimal.Decimal
	windowTotalVolume  decimal.Decimal
	windowTradeCount   int64
	windowBuyVol       decimal.Decimal
	windowSellVol      decimal.Decimal
	windowEffNotional  decimal.Decimal
	windowEffQty       decimal.Decimal
	windowPriceStart   decimal.Decimal
	haveWindowPrice    bool

	hasDepth             bool
	hasTrades            bool
	hasMark              bool
	resyncedThisWindow   bool
	bookTickerBidPx      decimal.Decimal
	bookTickerBidQty     decimal.Decimal
	bookTickerAskPx      decimal.Decimal
	bookTickerAskQty     decimal.Decimal
	bookTickerAtNs       int64
	haveBookTicker       bool
}

func newSymbolState(symbol string, cooldown time.Duration) *symbolState {
	return &symbolState{
		book:      orderbook.New(symbol, cooldown),
		micro:     aggregator.NewMicroWindow(microWindowNs),
		rv:        aggregator.NewRealizedVolEWMA(0.3),
		rvEwma1m:  aggregator.NewEWMA(0.1),
		rvEwma5m:  aggregator.NewEWMA(0.03),
		rvEwma15m: aggregator.NewEWMA(0.01),
		tradeRate: aggregator.NewTradeRateEWMA(0.1),
		parkinson: aggregator.NewParkinsonEstimator(int64(time.Minute)),
		spreadZ:   aggregator.NewRelSpreadEWMA(0.05),
	}
}

// Config configures a single shard.
type Config struct {
	Symbols         []string
	Top20Period     time.Duration
	L1Period        time.Duration
	RestCooldown    time.Duration
	RestRetryMax    int
	QueueMax        int
	IntervalS       int
	MaxCatchupWindows int
	LateGraceS      int
}

// Shard owns one duplex connection and the SymbolState for every
// symbol assigned to it.
type Shard struct {
	id      int
	wsURL   string
	cfg     Config
	client  *marketrest.Client
	rest    *restscheduler.Scheduler
	rtr     *router.Router
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	symbols map[string]*symbolState
	agg     *aggregator.AggTradeAggregator

	statsMu       sync.Mutex
	wsMessages    int64
	parseErrors   int64
	disconnects   int64
	dropped       int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a shard for the given symbol set against one websocket
// endpoint.
func New(id int, wsURL string, cfg Config, client *marketrest.Client, rest *restscheduler.Scheduler, rtr *router.Router, logger *slog.Logger) *Shard {
	symbols := make(map[string]*symbolState, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols[sym] = newSymbolState(sym, cfg.RestCooldown)
	}

	return &Shard{
		id:      id,
		wsURL:   wsURL,
		cfg:     cfg,
		client:  client,
		rest:    rest,
		rtr:     rtr,
		logger:  logger.With("component", "shard", "shard_id", id),
		symbols: symbols,
		agg: aggregator.NewAggTradeAggregator(
			cfg.IntervalS, cfg.Symbols, cfg.MaxCatchupWindows, cfg.LateGraceS,
		),
	}
}

// Start bootstraps every owned symbol's book via REST, connects the
// duplex stream, and launches the fixed-grid timers. It returns once
// the goroutines are launched; they run until ctx is cancelled or Stop
// is called.
func (s *Shard) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.bootstrapBooks(s.ctx)

	s.wg.Add(5)
	go s.runConnection()
	go s.runTimer(s.cfg.Top20Period, s.emitTop20Snapshots)
	go s.runTimer(s.cfg.L1Period, s.emitL1Samples)
	go s.runTimer(time.Duration(s.cfg.IntervalS)*time.Second/3, s.flushTradeAggregates)
	go s.runTimer(time.Duration(microWindowNs), s.flushWindowMetrics)
}

// Stop cancels the connection and timer loops and waits for them to
// exit.
func (s *Shard) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Shard) bootstrapBooks(ctx context.Context) {
	for sym, st := range s.symbols {
		jitter := time.Duration(rand.Intn(maxBootstrapJitterMs)) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter):
		}

		snap, err := s.client.GetDepthSnapshot(ctx, sym, restDepthLimit)
		if err != nil {
			s.logger.Warn("bootstrap depth snapshot failed", "symbol", sym, "error", err)
			continue
		}
		st.mu.Lock()
		st.book.ApplySnapshot(snap)
		st.mu.Unlock()
	}
}

// runConnection owns the duplex websocket lifecycle: connect, read
// loop, ping loop, reconnect with exponential backoff on error.
func (s *Shard) runConnection() {
	defer s.wg.Done()
	backoff := reconnectBackoffBase

	for {
		err := s.connectAndRead()
		if s.ctx.Err() != nil {
			return
		}

		s.statsMu.Lock()
		s.disconnects++
		s.statsMu.Unlock()

		s.logger.Warn("shard disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *Shard) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("shard connected", "symbols", len(s.symbols))

	pingCtx, pingCancel := context.WithCancel(s.ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.statsMu.Lock()
		s.wsMessages++
		s.statsMu.Unlock()

		s.dispatchFrame(msg)
	}
}

func (s *Shard) subscribe() error {
	streams := make([]string, 0, len(s.symbols)*2)
	for sym := range s.symbols {
		streams = append(streams,
			fmt.Sprintf("%s@depth@100ms", sym),
			fmt.Sprintf("%s@trade", sym),
			fmt.Sprintf("%s@markPrice", sym),
		)
	}
	msg := map[string]any{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     s.id,
	}
	return s.writeJSON(msg)
}

func (s *Shard) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Shard) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Shard) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

// wireEnvelope peeks the stream name or event type to route a raw
// frame, mirroring the combined-stream wrapper the venue uses.
type wireEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Event  string          `json:"e"`
}

func (s *Shard) dispatchFrame(raw []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.statsMu.Lock()
		s.parseErrors++
		s.statsMu.Unlock()
		return
	}

	payload := raw
	if len(env.Data) > 0 {
		payload = env.Data
		if err := json.Unmarshal(payload, &env); err != nil {
			s.statsMu.Lock()
			s.parseErrors++
			s.statsMu.Unlock()
			return
		}
	}

	switch env.Event {
	case "depthUpdate":
		s.onDepthUpdate(payload)
	case "trade":
		s.onTrade(payload)
	case "markPriceUpdate":
		s.onMarkPrice(payload)
	case "forceOrder":
		s.onLiquidation(payload)
	case "kline":
		s.onKline(payload)
	default:
		// bookTicker frames carry no "e" field on most venues
		s.onBookTicker(payload)
	}
}

type depthUpdateWire struct {
	EventTimeMs   int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (s *Shard) onDepthUpdate(raw []byte) {
	var w depthUpdateWire
	if err := json.Unmarshal(raw, &w); err != nil {
		s.bumpParseError()
		return
	}
	st, ok := s.symbols[w.Symbol]
	if !ok {
		return
	}

	diff := orderbook.Diff{
		FirstUpdateID: w.FirstUpdateID,
		FinalUpdateID: w.FinalUpdateID,
		Bids:          wireLevelsToSlice(w.Bids),
		Asks:          wireLevelsToSlice(w.Asks),
		TsEventNs:     w.EventTimeMs * int64(time.Millisecond),
	}

	st.mu.Lock()
	result := st.book.ApplyDiff(diff)
	st.hasDepth = true
	if result == orderbook.ResultGap {
		st.resyncedThisWindow = true
	}
	bid, ask, haveL1 := st.book.L1()
	st.mu.Unlock()

	if result == orderbook.ResultGap {
		s.scheduleResync(w.Symbol, st)
	}

	if haveL1 {
		s.observeMicro(st, diff.TsEventNs, bid.Price, bid.Qty, ask.Price, ask.Qty)
	}
}

func wireLevelsToSlice(levels [][]string) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(levels))
	for _, lv := range levels {
		if len(lv) != 2 {
			continue
		}
		price, err := decimal.NewFromString(lv[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(lv[1])
		if err != nil {
			continue
		}
		out = append(out, orderbook.Level{Price: price, Qty: qty})
	}
	return out
}

func (s *Shard) scheduleResync(symbol string, st *symbolState) {
	now := time.Now()
	st.mu.Lock()
	should, attempts := st.book.ShouldResync(now)
	if should {
		st.book.NoteResyncAttempt(now)
	}
	st.mu.Unlock()
	if !should {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 8*time.Second)
		defer cancel()

		var snap orderbook.Snapshot
		var err error
		for attempt := 0; attempt <= s.cfg.RestRetryMax; attempt++ {
			snap, err = s.client.GetDepthSnapshot(ctx, symbol, restDepthLimit)
			if err == nil {
				break
			}
			wait := time.Duration(attempt+1) * time.Second
			if wait > 3*time.Second {
				wait = 3 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if err != nil {
			s.logger.Warn("resync failed", "symbol", symbol, "attempts", attempts, "error", err)
			return
		}

		st.mu.Lock()
		st.book.ApplySnapshot(snap)
		st.mu.Unlock()
	}()
}

type tradeWire struct {
	EventTimeMs int64  `json:"E"`
	TradeTimeMs int64  `json:"T"`
	Symbol      string `json:"s"`
	Price       string `json:"p"`
	Qty         string `json:"q"`
	BuyerMaker  bool   `json:"m"`
	TradeID     int64  `json:"t"`
}

func (s *Shard) onTrade(raw []byte) {
	var w tradeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		s.bumpParseError()
		return
	}
	st, ok := s.symbols[w.Symbol]
	if !ok {
		return
	}

	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		s.bumpParseError()
		return
	}
	qty, err := decimal.NewFromString(w.Qty)
	if err != nil {
		s.bumpParseError()
		return
	}

	tsEventNs := w.TradeTimeMs * int64(time.Millisecond)
	isBuyAggressor := !w.BuyerMaker
	side := events.SideSell
	if isBuyAggressor {
		side = events.SideBuy
	}
	tradeID := fmt.Sprintf("%d", w.TradeID)
	nowNs := clock.NowNs()

	st.mu.Lock()
	st.hasTrades = true
	if isBuyAggressor {
		st.windowBuyVol = st.windowBuyVol.Add(qty)
		st.cumulativeDelta = st.cumulativeDelta.Add(qty)
	} else {
		st.windowSellVol = st.windowSellVol.Add(qty)
		st.cumulativeDelta = st.cumulativeDelta.Sub(qty)
	}
	st.windowTotalVolume = st.windowTotalVolume.Add(qty)
	st.windowTradeCount++
	sign := decimal.NewFromInt(1)
	if !isBuyAggressor {
		sign = decimal.NewFromInt(-1)
	}
	st.windowSignedVolume = st.windowSignedVolume.Add(qty.Mul(sign))
	if !st.haveWindowPrice {
		st.windowPriceStart = price
		st.haveWindowPrice = true
	}
	bid, ask, haveL1 := st.book.L1()
	bidPx, askPx := bid.Price, ask.Price
	if haveL1 {
		mid := bidPx.Add(askPx).Div(decimal.NewFromInt(2))
		effSide := sign
		edge := price.Sub(mid)
		st.windowEffNotional = st.windowEffNotional.Add(edge.Mul(effSide).Mul(qty))
		st.windowEffQty = st.windowEffQty.Add(qty)
	}
	st.tradeRate.OnTrade()
	mid := price
	if haveL1 {
		mid = bidPx.Add(askPx).Div(decimal.NewFromInt(2))
	}
	st.rv.Observe(mid)
	st.parkinson.Observe(tsEventNs, mid)
	st.prevClose = price
	st.mu.Unlock()

	rec := events.Trade{
		Header: events.Header{
			Instrument: w.Symbol,
			Chan:       events.ChannelTrades,
			TsEventNs:  tsEventNs,
			TsRecvNs:   nowNs,
		},
		Price:       price,
		Qty:         qty,
		Side:        side,
		TradeID:     tradeID,
		IsAggressor: isBuyAggressor,
	}
	s.rtr.Publish(rec)

	recs := s.agg.Update(w.Symbol, tsEventNs, price, qty, tradeID, !isBuyAggressor, nowNs)
	for _, r := range recs {
		s.rtr.Publish(r)
	}
}

func (s *Shard) bumpParseError() {
	s.statsMu.Lock()
	s.parseErrors++
	s.statsMu.Unlock()
}

type markPriceWire struct {
	EventTimeMs   int64  `json:"E"`
	Symbol        string `json:"s"`
	MarkPrice     string `json:"p"`
	IndexPrice    string `json:"i"`
	FundingRate   string `json:"r"`
	NextFundingMs int64  `json:"T"`
}

func (s *Shard) onMarkPrice(raw []byte) {
	var w markPriceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		s.bumpParseError()
		return
	}
	st, ok := s.symbols[w.Symbol]
	if !ok {
		return
	}

	mark, err := decimal.NewFromString(w.MarkPrice)
	if err != nil {
		s.bumpParseError()
		return
	}
	index, _ := decimal.NewFromString(w.IndexPrice)
	rate, _ := decimal.NewFromString(w.FundingRate)

	nowNs := clock.NowNs()
	tsEventNs := w.EventTimeMs * int64(time.Millisecond)

	st.mu.Lock()
	st.hasMark = true
	st.haveMark = true
	st.lastMark = mark
	st.lastIndex = index
	st.mu.Unlock()

	s.rtr.Publish(events.MarkPrice{
		Header: events.Header{Instrument: w.Symbol, Chan: events.ChannelMarkPrice, TsEventNs: tsEventNs, TsRecvNs: nowNs},
		Mark:   mark,
		Index:  index,
	})

	if !rate.IsZero() {
		s.rtr.Publish(events.Funding{
			Header:          events.Header{Instrument: w.Symbol, Chan: events.ChannelFunding, TsEventNs: tsEventNs, TsRecvNs: nowNs},
			Rate:            rate,
			NextFundingTsNs: w.NextFundingMs * int64(time.Millisecond),
		})
	}
}

type liquidationWire struct {
	Order struct {
		Symbol  string `json:"s"`
		Side    string `json:"S"`
		Price   string `json:"p"`
		Qty     string `json:"q"`
		OrderID int64  `json:"i"`
		Reason  string `json:"X"`
	} `json:"o"`
	EventTimeMs int64 `json:"E"`
}

func (s *Shard) onLiquidation(raw []byte) {
	var w liquidationWire
	if err := json.Unmarshal(raw, &w); err != nil {
		s.bumpParseError()
		return
	}
	if _, ok := s.symbols[w.Order.Symbol]; !ok {
		return
	}

	price, err := decimal.NewFromString(w.Order.Price)
	if err != nil {
		s.bumpParseError()
		return
	}
	qty, _ := decimal.NewFromString(w.Order.Qty)

	side := events.SideSell
	if w.Order.Side == "BUY" {
		side = events.SideBuy
	}

	s.rtr.Publish(events.Liquidation{
		Header: events.Header{
			Instrument: w.Order.Symbol,
			Chan:       events.ChannelLiquidations,
			TsEventNs:  w.EventTimeMs * int64(time.Millisecond),
			TsRecvNs:   clock.NowNs(),
		},
		Side:    side,
		Price:   price,
		Qty:     qty,
		OrderID: fmt.Sprintf("%d", w.Order.OrderID),
		Reason:  w.Order.Reason,
	})
}

type klineWire struct {
	EventTimeMs int64  `json:"E"`
	Symbol      string `json:"s"`
	K           struct {
		Interval   string `json:"i"`
		Open       string `json:"o"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Close      string `json:"c"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
		IsClosed   bool   `json:"x"`
	} `json:"k"`
}

func (s *Shard) onKline(raw []byte) {
	var w klineWire
	if err := json.Unmarshal(raw, &w); err != nil {
		s.bumpParseError()
		return
	}
	if _, ok := s.symbols[w.Symbol]; !ok {
		return
	}

	open, _ := decimal.NewFromString(w.K.Open)
	high, _ := decimal.NewFromString(w.K.High)
	low, _ := decimal.NewFromString(w.K.Low)
	cls, _ := decimal.NewFromString(w.K.Close)
	vol, _ := decimal.NewFromString(w.K.Volume)

	s.rtr.Publish(events.Kline{
		Header: events.Header{
			Instrument: w.Symbol,
			Chan:       events.ChannelKlines,
			TsEventNs:  w.EventTimeMs * int64(time.Millisecond),
			TsRecvNs:   clock.NowNs(),
		},
		Interval:   w.K.Interval,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      cls,
		Volume:     vol,
		TradeCount: w.K.TradeCount,
		IsClosed:   w.K.IsClosed,
	})
}

type bookTickerWire struct {
	Symbol  string `json:"s"`
	BidPx   string `json:"b"`
	BidQty  string `json:"B"`
	AskPx   string `json:"a"`
	AskQty  string `json:"A"`
}

func (s *Shard) onBookTicker(raw []byte) {
	var w bookTickerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return
	}
	st, ok := s.symbols[w.Symbol]
	if !ok || w.BidPx == "" {
		return
	}
	bidPx, err1 := decimal.NewFromString(w.BidPx)
	bidQty, err2 := decimal.NewFromString(w.BidQty)
	askPx, err3 := decimal.NewFromString(w.AskPx)
	askQty, err4 := decimal.NewFromString(w.AskQty)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return
	}

	st.mu.Lock()
	st.haveBookTicker = true
	st.bookTickerBidPx = bidPx
	st.bookTickerBidQty = bidQty
	st.bookTickerAskPx = askPx
	st.bookTickerAskQty = askQty
	st.bookTickerAtNs = clock.NowNs()
	st.mu.Unlock()
}

func (s *Shard) observeMicro(st *symbolState, tsNs int64, bidPx, bidQty, askPx, askQty decimal.Decimal) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.micro.Observe(aggregator.L1Tick{
		TsNs:   tsNs,
		BidPx:  bidPx,
		BidQty: bidQty,
		AskPx:  askPx,
		AskQty: askQty,
	})
}

func (s *Shard) runTimer(period time.Duration, fn func()) {
	defer s.wg.Done()
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Shard) emitTop20Snapshots() {
	now := clock.NowNs()
	for sym, st := range s.symbols {
		st.mu.Lock()
		if !st.book.Initialized() {
			st.mu.Unlock()
			continue
		}
		bids, asks := st.book.Top(20)
		st.mu.Unlock()

		rec := events.DepthSnapshot{
			Header:    events.Header{Instrument: sym, Chan: events.ChannelOBTop20, TsEventNs: now, TsRecvNs: now},
			Depth:     20,
			BidPrices: priceSlice(bids),
			BidQtys:   qtySlice(bids),
			AskPrices: priceSlice(asks),
			AskQtys:   qtySlice(asks),
		}
		s.rtr.Publish(rec)

		top5bids, top5asks := bids, asks
		if len(top5bids) > 5 {
			top5bids = top5bids[:5]
		}
		if len(top5asks) > 5 {
			top5asks = top5asks[:5]
		}
		s.rtr.Publish(events.DepthSnapshot{
			Header:    events.Header{Instrument: sym, Chan: events.ChannelOBTop5, TsEventNs: now, TsRecvNs: now},
			Depth:     5,
			BidPrices: priceSlice(top5bids),
			BidQtys:   qtySlice(top5bids),
			AskPrices: priceSlice(top5asks),
			AskQtys:   qtySlice(top5asks),
		})
	}
}

func priceSlice(levels []orderbook.Level) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	for i, lv := range levels {
		out[i] = lv.Price
	}
	return out
}

func qtySlice(levels []orderbook.Level) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	for i, lv := range levels {
		out[i] = lv.Qty
	}
	return out
}

// emitL1Samples resolves the L1 choice policy (local book, else
// bookTicker within freshness window, else previous close) and emits
// the depth=1 snapshot per spec.md §4.6.
func (s *Shard) emitL1Samples() {
	now := clock.NowNs()
	for sym, st := range s.symbols {
		st.mu.Lock()
		bid, ask, haveL1 := st.book.L1()
		bidPx, bidQty, askPx, askQty := bid.Price, bid.Qty, ask.Price, ask.Qty
		if !haveL1 && st.haveBookTicker && now-st.bookTickerAtNs <= indexFreshnessNs {
			bidPx, bidQty, askPx, askQty = st.bookTickerBidPx, st.bookTickerBidQty, st.bookTickerAskPx, st.bookTickerAskQty
			haveL1 = true
		}
		if !haveL1 && !st.prevClose.IsZero() {
			bidPx, askPx = st.prevClose, st.prevClose
			haveL1 = true
		}
		st.mu.Unlock()

		if !haveL1 {
			continue
		}

		s.rtr.Publish(events.DepthSnapshot{
			Header:    events.Header{Instrument: sym, Chan: events.ChannelL1, TsEventNs: now, TsRecvNs: now},
			Depth:     1,
			BidPrices: []decimal.Decimal{bidPx},
			BidQtys:   []decimal.Decimal{bidQty},
			AskPrices: []decimal.Decimal{askPx},
			AskQtys:   []decimal.Decimal{askQty},
		})
	}
}

// flushTradeAggregates periodically calls Flush on the agg-trade
// aggregator (in case no new trade arrives to trigger rollover) and
// publishes any catch-up windows it backfills.
func (s *Shard) flushTradeAggregates() {
	now := clock.NowNs()
	recs := s.agg.Flush(now)
	for _, r := range recs {
		s.rtr.Publish(r)
	}
}

// flushWindowMetrics computes and emits the AdvancedMetrics record for
// every owned symbol, then resets window-scoped counters (but not
// rolling EWMAs or the cumulative volume delta), per spec.md §4.3.
func (s *Shard) flushWindowMetrics() {
	now := clock.NowNs()
	windowSeconds := float64(microWindowNs) / float64(time.Second)

	for sym, st := range s.symbols {
		st.mu.Lock()

		bid, ask, haveBook := st.book.L1()
		bidPx, bidQty, askPx, askQty := bid.Price, bid.Qty, ask.Price, ask.Qty
		bids, asks := st.book.Top(5)

		microResult, haveMicro := st.micro.Flush(now)

		windowVar, _ := st.rv.FlushWindow()
		ewma1m := st.rvEwma1m.Update(windowVar)
		ewma5m := st.rvEwma5m.Update(windowVar)
		ewma15m := st.rvEwma15m.Update(windowVar)

		parkinson, haveParkinson := st.parkinson.Observe(now, xmid(bidPx, askPx))

		rateHz, burstScore := st.tradeRate.FlushWindow(windowSeconds)

		var basisBps decimal.Decimal
		haveIndex := st.haveMark && !st.lastIndex.IsZero()
		if haveIndex && haveBook {
			mid := bidPx.Add(askPx).Div(decimal.NewFromInt(2))
			basisBps = mid.Sub(st.lastIndex).Div(st.lastIndex).Mul(decimal.NewFromInt(10000))
		}

		var spreadZ float64
		var haveSpreadZ bool
		if haveBook {
			mid := bidPx.Add(askPx).Div(decimal.NewFromInt(2))
			if mid.IsPositive() {
				relSpreadBps := askPx.Sub(bidPx).Div(mid).Mul(decimal.NewFromInt(10000))
				spreadZ, haveSpreadZ = st.spreadZ.Update(mustFloat(relSpreadBps))
			}
		}

		in := metrics.Inputs{
			BestBid: bidPx, BestAsk: askPx, BidQty: bidQty, AskQty: askQty, HaveBook: haveBook,
			Micro: microResult, HaveMicro: haveMicro, WindowSeconds: windowSeconds,
			Bid5: priceSlice(bids), Ask5: priceSlice(asks),
			BidQty5: qtySlice(bids), AskQty5: qtySlice(asks),
			RVVariance3s: windowVar, RVEwma1m: ewma1m, RVEwma5m: ewma5m, RVEwma15m: ewma15m, HaveRV: haveBook,
			Parkinson1m: parkinson, HaveParkinson: haveParkinson,
			TradeRateHz: rateHz, BurstScore: burstScore, HaveTradeRate: st.windowTradeCount > 0,
			CumulativeVolumeDelta: st.cumulativeDelta,
			SignedVolume:          st.windowSignedVolume,
			TotalVolume:           st.windowTotalVolume,
			PriceChange:           st.prevClose.Sub(st.windowPriceStart),
			EffectiveSpreadNotional: st.windowEffNotional,
			EffectiveSpreadQty:      st.windowEffQty,
			TakerBuyVol:  st.windowBuyVol,
			TakerSellVol: st.windowSellVol,
			MarkPrice:  st.lastMark,
			IndexPrice: st.lastIndex,
			HaveIndex:  haveIndex,
			PrevBasisBps: st.prevBasisBps,
			HaveBasis:    st.haveBasis,
			SpreadZScore:     spreadZ,
			HaveSpreadZScore: haveSpreadZ,
		}

		m, flags := metrics.Compute(in)

		if haveIndex && haveBook {
			st.prevBasisBps = basisBps
			st.haveBasis = true
		}

		st.windowTradeCount = 0
		st.windowBuyVol = decimal.Zero
		st.windowSellVol = decimal.Zero
		st.windowTotalVolume = decimal.Zero
		st.windowSignedVolume = decimal.Zero
		st.windowEffNotional = decimal.Zero
		st.windowEffQty = decimal.Zero
		st.haveWindowPrice = false
		hasDepth, hasTrades, hasMark, resynced := st.hasDepth, st.hasTrades, st.hasMark, st.resyncedThisWindow
		st.hasDepth, st.hasTrades, st.hasMark, st.resyncedThisWindow = false, false, false, false

		st.mu.Unlock()

		if hasDepth {
			flags["has_depth"] = "true"
		}
		if hasTrades {
			flags["has_trades"] = "true"
		}
		if hasMark {
			flags["has_mark"] = "true"
		}
		if resynced {
			flags["resynced_this_window"] = "true"
		}

		s.rtr.Publish(events.AdvancedMetrics{
			Header:  events.Header{Instrument: sym, Chan: events.ChannelAdvancedMetrics, TsEventNs: now, TsRecvNs: now},
			Metrics: m,
			Flags:   flags,
		})
	}
}

// Stats is a point-in-time counter snapshot for one shard, folded into
// the orchestrator's aggregate stats response.
type Stats struct {
	WSMessages  int64
	ParseErrors int64
	Disconnects int64
	Dropped     int64
	Symbols     int
}

// Stats returns a snapshot of this shard's counters.
func (s *Shard) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		WSMessages:  s.wsMessages,
		ParseErrors: s.parseErrors,
		Disconnects: s.disconnects,
		Dropped:     s.dropped,
		Symbols:     len(s.symbols),
	}
}

func xmid(bid, ask decimal.Decimal) decimal.Decimal {
	if bid.IsZero() && ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
