// Package orderbook maintains the local mirror of a venue's order book,
// reconstructed from an initial REST snapshot plus an incremental
// websocket diff stream (spec.md §4.1).
//
// This generalizes the teacher's internal/market/book.go — a single
// RWMutex-guarded snapshot per market refreshed wholesale on every
// update — into a book that applies incremental diffs on top of a
// snapshot, detects sequence gaps and staleness, and tracks when a REST
// resync is due; the caller fetches the snapshot and applies it.
package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// KMin is the minimum per-side depth a book must carry before it is
// considered initialized (spec.md §3/§4.1).
const KMin = 20

// Level is one price/quantity rung of the book.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Book is the local order book for a single instrument. Bids are kept
// sorted descending by price, asks ascending, as a map for O(1) diff
// application with sorted views materialized on read.
type Book struct {
	mu sync.RWMutex

	instrument string

	bids map[string]Level // price string -> level
	asks map[string]Level

	lastUpdateID int64
	initialized  bool

	lastAppliedNs  int64
	resyncAttempts int
	nextResyncAt   time.Time
	cooldown       time.Duration
}

// Diff is a single incremental update. U is the first update ID covered
// by the event, u is the last (matching Binance's diff-depth convention
// that original_source and the teacher's exchange both assume).
type Diff struct {
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []Level
	Asks          []Level
	TsEventNs     int64
}

// Snapshot is a REST depth snapshot used to (re)initialize the book.
type Snapshot struct {
	LastUpdateID int64
	Bids         []Level
	Asks         []Level
}

// New creates an empty, uninitialized book for instrument.
func New(instrument string, cooldown time.Duration) *Book {
	return &Book{
		instrument: instrument,
		bids:       make(map[string]Level),
		asks:       make(map[string]Level),
		cooldown:   cooldown,
	}
}

// Instrument returns the book's instrument identifier.
func (b *Book) Instrument() string { return b.instrument }

// Initialized reports whether the book currently satisfies the K_min
// per-side depth invariant and is safe to read from.
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// ApplySnapshot resets the book to a fresh REST snapshot, marking it
// initialized once both sides meet the K_min depth invariant.
func (b *Book) ApplySnapshot(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]Level, len(snap.Bids))
	b.asks = make(map[string]Level, len(snap.Asks))
	for _, l := range snap.Bids {
		if isPositive(l.Qty) {
			b.bids[l.Price.String()] = l
		}
	}
	for _, l := range snap.Asks {
		if isPositive(l.Qty) {
			b.asks[l.Price.String()] = l
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.initialized = len(b.bids) >= KMin && len(b.asks) >= KMin
	b.resyncAttempts = 0
}

// ApplyDiffResult reports what happened when a diff was applied.
type ApplyDiffResult int

const (
	// ResultApplied means the diff was applied cleanly (including the
	// case where the book is still accumulating toward K_min).
	ResultApplied ApplyDiffResult = iota
	// ResultDuplicate means the diff's range is entirely behind the
	// book's current state and was ignored.
	ResultDuplicate
	// ResultGap means a sequence gap was detected; both sides were
	// cleared, the diff was applied as the new bootstrap's seed, and
	// the caller should trigger a REST resync.
	ResultGap
)

// ApplyDiff applies one incremental update. Gap detection follows
// Binance's documented convention: a gap exists iff the new event's
// first update ID is strictly greater than last_update_id+1; an event
// is a stale duplicate iff its final update ID is at or behind
// last_update_id. On a gap, both sides are cleared and the triggering
// diff is applied as the seed of a new bootstrap rather than buffered,
// per spec.md §4.1/§8 scenario 2; the book re-initializes once that
// bootstrap accumulates K_min levels on each side, whether from REST or
// from diffs alone.
func (b *Book) ApplyDiff(d Diff) ApplyDiffResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	gapped := false
	switch {
	case b.initialized && d.FirstUpdateID > b.lastUpdateID+1:
		b.bids = make(map[string]Level)
		b.asks = make(map[string]Level)
		b.initialized = false
		b.lastUpdateID = 0
		gapped = true
	case b.initialized && d.FinalUpdateID <= b.lastUpdateID:
		return ResultDuplicate
	}

	for _, l := range d.Bids {
		applyLevel(b.bids, l)
	}
	for _, l := range d.Asks {
		applyLevel(b.asks, l)
	}
	if d.FinalUpdateID > b.lastUpdateID {
		b.lastUpdateID = d.FinalUpdateID
	}
	b.lastAppliedNs = d.TsEventNs

	wasInitialized := b.initialized
	b.initialized = len(b.bids) >= KMin && len(b.asks) >= KMin
	if b.initialized && !wasInitialized {
		b.resyncAttempts = 0
	}

	if gapped {
		return ResultGap
	}
	return ResultApplied
}

func applyLevel(side map[string]Level, l Level) {
	key := l.Price.String()
	if isPositive(l.Qty) {
		side[key] = l
	} else {
		delete(side, key)
	}
}

// ShouldResync reports whether the book is out of sequence and the
// resync cooldown/backoff has elapsed, returning the attempt count to
// use for this resync (for retry-max bookkeeping by the caller).
func (b *Book) ShouldResync(now time.Time) (bool, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.initialized {
		return false, 0
	}
	if now.Before(b.nextResyncAt) {
		return false, 0
	}
	return true, b.resyncAttempts
}

// NoteResyncAttempt records that a resync request was issued, applying
// exponential backoff (capped) before the next attempt is permitted.
func (b *Book) NoteResyncAttempt(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resyncAttempts++
	backoff := b.cooldown * time.Duration(1<<min(b.resyncAttempts-1, 5))
	const maxBackoff = 60 * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	b.nextResyncAt = now.Add(backoff)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// L1 returns the best bid and ask levels. ok is false if the book isn't
// initialized yet or either side is empty.
func (b *Book) L1() (bid, ask Level, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return Level{}, Level{}, false
	}
	bids := sortedBids(b.bids)
	asks := sortedAsks(b.asks)
	if len(bids) == 0 || len(asks) == 0 {
		return Level{}, Level{}, false
	}
	return bids[0], asks[0], true
}

// Top returns up to n levels per side, bids sorted descending, asks
// ascending.
func (b *Book) Top(n int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = sortedBids(b.bids)
	asks = sortedAsks(b.asks)
	if len(bids) > n {
		bids = bids[:n]
	}
	if len(asks) > n {
		asks = asks[:n]
	}
	return append([]Level(nil), bids...), append([]Level(nil), asks...)
}

// IsCrossed reports whether the best bid is at or above the best ask,
// which should never happen on a correctly reconstructed book and
// signals upstream data corruption.
func (b *Book) IsCrossed() bool {
	bid, ask, ok := b.L1()
	if !ok {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// LastAppliedNs returns the event timestamp of the last diff applied.
func (b *Book) LastAppliedNs() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastAppliedNs
}

// LastUpdateID returns the book's current sequence watermark.
func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

func sortedBids(m map[string]Level) []Level {
	out := make([]Level, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	return out
}

func sortedAsks(m map[string]Level) []Level {
	out := make([]Level, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out
}

func isPositive(d decimal.Decimal) bool {
	return d.GreaterThan(decimal.Zero)
}
