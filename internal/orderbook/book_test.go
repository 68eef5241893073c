package orderbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func lvl(price, qty string) Level {
	return Level{Price: decimal.RequireFromString(price), Qty: decimal.RequireFromString(qty)}
}

// kMinLevels builds n price levels starting at startPrice and walking
// by 1 in dir (+1 for bids descending from startPrice, -1 for asks
// ascending from startPrice), enough to satisfy KMin on one side.
func kMinLevels(startPrice, dir, n int) []Level {
	out := make([]Level, n)
	for i := 0; i < n; i++ {
		out[i] = lvl(fmt.Sprintf("%d", startPrice+dir*i), "1")
	}
	return out
}

func seedBook(b *Book, lastUpdateID int64) {
	b.ApplySnapshot(Snapshot{
		LastUpdateID: lastUpdateID,
		Bids:         kMinLevels(100, -1, KMin),
		Asks:         kMinLevels(101, 1, KMin),
	})
}

func TestApplyDiffBeforeSnapshotAccumulatesTowardKMin(t *testing.T) {
	b := New("BTCUSDT", time.Second)

	res := b.ApplyDiff(Diff{FirstUpdateID: 1, FinalUpdateID: 1, Bids: []Level{lvl("100", "1")}})
	if res != ResultApplied {
		t.Fatalf("expected ResultApplied even before the book is initialized, got %v", res)
	}
	if b.Initialized() {
		t.Fatalf("expected book to stay uninitialized below K_min depth")
	}
	if _, _, ok := b.L1(); ok {
		t.Fatalf("expected L1 to report not-ok while uninitialized")
	}

	res = b.ApplyDiff(Diff{
		FirstUpdateID: 2, FinalUpdateID: 2,
		Bids: kMinLevels(100, -1, KMin),
		Asks: kMinLevels(101, 1, KMin),
	})
	if res != ResultApplied {
		t.Fatalf("expected ResultApplied, got %v", res)
	}
	if !b.Initialized() {
		t.Fatalf("expected book to initialize once both sides reach K_min")
	}
	bid, _, ok := b.L1()
	if !ok || !bid.Price.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected top bid=100 once initialized, got bid=%+v ok=%v", bid, ok)
	}
}

func TestApplyDiffDuplicateIgnored(t *testing.T) {
	b := New("BTCUSDT", time.Second)
	seedBook(b, 10)

	res := b.ApplyDiff(Diff{FirstUpdateID: 8, FinalUpdateID: 10, Bids: []Level{lvl("99", "1")}})
	if res != ResultDuplicate {
		t.Fatalf("expected ResultDuplicate, got %v", res)
	}
	if _, ok := b.bids["99"]; ok {
		t.Fatalf("duplicate diff should not have been applied")
	}
}

func TestApplyDiffGapClearsBookAndSeedsBootstrap(t *testing.T) {
	b := New("BTCUSDT", time.Second)
	seedBook(b, 10)

	res := b.ApplyDiff(Diff{FirstUpdateID: 15, FinalUpdateID: 16, Bids: []Level{lvl("99", "1")}})
	if res != ResultGap {
		t.Fatalf("expected ResultGap, got %v", res)
	}
	if b.Initialized() {
		t.Fatalf("expected book to be uninitialized immediately after a gap")
	}
	if _, _, ok := b.L1(); ok {
		t.Fatalf("expected stale L1 to not be served after a gap")
	}
	bids, _ := b.Top(5)
	if len(bids) != 1 || !bids[0].Price.Equal(decimal.RequireFromString("99")) {
		t.Fatalf("expected the gap-triggering diff applied as the new bootstrap seed, got %+v", bids)
	}
	if b.LastUpdateID() != 16 {
		t.Fatalf("expected last_update_id=16 from the seed diff, got %d", b.LastUpdateID())
	}

	should, attempts := b.ShouldResync(time.Now())
	if !should || attempts != 0 {
		t.Fatalf("expected immediate resync permitted on first gap, got should=%v attempts=%d", should, attempts)
	}
}

func TestApplyDiffContiguousUpdatesLastUpdateID(t *testing.T) {
	b := New("BTCUSDT", time.Second)
	seedBook(b, 10)

	res := b.ApplyDiff(Diff{FirstUpdateID: 11, FinalUpdateID: 12, Bids: []Level{lvl("100", "2")}})
	if res != ResultApplied {
		t.Fatalf("expected ResultApplied, got %v", res)
	}
	if b.LastUpdateID() != 12 {
		t.Fatalf("expected last_update_id=12, got %d", b.LastUpdateID())
	}
}

func TestApplyLevelZeroQtyRemoves(t *testing.T) {
	b := New("BTCUSDT", time.Second)
	seedBook(b, 1)

	b.ApplyDiff(Diff{FirstUpdateID: 2, FinalUpdateID: 2, Bids: []Level{lvl("100", "0")}})

	bids, _ := b.Top(KMin)
	for _, lv := range bids {
		if lv.Price.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("expected level removed on zero qty, got %+v", bids)
		}
	}
}

func TestResyncBackoffEscalates(t *testing.T) {
	b := New("BTCUSDT", 1*time.Second)
	seedBook(b, 10)
	b.ApplyDiff(Diff{FirstUpdateID: 15, FinalUpdateID: 16})

	now := time.Now()
	b.NoteResyncAttempt(now)
	should, _ := b.ShouldResync(now)
	if should {
		t.Fatalf("expected resync to be withheld immediately after an attempt")
	}
	should, attempts := b.ShouldResync(now.Add(10 * time.Second))
	if !should || attempts != 1 {
		t.Fatalf("expected resync permitted after backoff elapsed, should=%v attempts=%d", should, attempts)
	}
}

func TestIsCrossedDetectsCorruption(t *testing.T) {
	b := New("BTCUSDT", time.Second)
	bids := kMinLevels(100, -1, KMin)
	asks := kMinLevels(99, 1, KMin) // best ask (99) below best bid (100): crossed
	b.ApplySnapshot(Snapshot{LastUpdateID: 1, Bids: bids, Asks: asks})

	if !b.IsCrossed() {
		t.Fatalf("expected crossed book to be detected")
	}
}

func TestTopOrdering(t *testing.T) {
	b := New("BTCUSDT", time.Second)
	b.ApplySnapshot(Snapshot{
		LastUpdateID: 1,
		Bids:         []Level{lvl("99", "1"), lvl("100", "1"), lvl("98", "1")},
		Asks:         []Level{lvl("102", "1"), lvl("101", "1"), lvl("103", "1")},
	})

	bids, asks := b.Top(2)
	if len(bids) != 2 || !bids[0].Price.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected bids sorted descending, got %+v", bids)
	}
	if len(asks) != 2 || !asks[0].Price.Equal(decimal.RequireFromString("101")) {
		t.Fatalf("expected asks sorted ascending, got %+v", asks)
	}
}
